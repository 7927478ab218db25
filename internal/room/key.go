// Package room maps (business, visitor) pairs to conversation rooms and tracks
// which connections are registered in each room.
package room

import (
	"strings"

	"chatrelay/pkg/types"
)

const separator = ":"

// Key returns the room key for a business/visitor pair. Both ids come from the
// restricted id alphabet, which excludes the separator.
func Key(businessID, visitorID string) string {
	return businessID + separator + visitorID
}

// Parse splits a room key back into its business and visitor ids.
func Parse(key string) (businessID, visitorID string, err error) {
	businessID, visitorID, found := strings.Cut(key, separator)
	if !found || !types.IsValidID(businessID) || !types.IsValidID(visitorID) {
		return "", "", ErrInvalidKey
	}
	return businessID, visitorID, nil
}
