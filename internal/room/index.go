package room

import (
	"sort"
	"sync"
)

// Index tracks room membership in both directions.
// ARCHITECTURAL DISCOVERY: The reverse map makes "never in two rooms" a
// property of Move itself rather than something callers must remember.
type Index struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // room key -> connection ids
	roomOf  map[string]string              // connection id -> room key
}

// NewIndex creates an empty room index
func NewIndex() *Index {
	return &Index{
		members: make(map[string]map[string]struct{}),
		roomOf:  make(map[string]string),
	}
}

// Move registers the connection in room, removing it from any previous room.
// It returns the previous room key, or "" when the connection was in none.
func (i *Index) Move(connID, key string) (previous string, err error) {
	if connID == "" {
		return "", ErrEmptyConnection
	}
	if _, _, err := Parse(key); err != nil {
		return "", err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	previous = i.roomOf[connID]
	if previous == key {
		return previous, nil
	}
	if previous != "" {
		i.removeLocked(connID, previous)
	}

	set, exists := i.members[key]
	if !exists {
		set = make(map[string]struct{})
		i.members[key] = set
	}
	set[connID] = struct{}{}
	i.roomOf[connID] = key
	return previous, nil
}

// Remove unregisters the connection and returns the room it left. Idempotent.
func (i *Index) Remove(connID string) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	key, exists := i.roomOf[connID]
	if !exists {
		return ""
	}
	i.removeLocked(connID, key)
	return key
}

func (i *Index) removeLocked(connID, key string) {
	delete(i.roomOf, connID)
	if set, exists := i.members[key]; exists {
		delete(set, connID)
		// TECHNICAL DISCOVERY: Clean up empty rooms to prevent memory leaks
		if len(set) == 0 {
			delete(i.members, key)
		}
	}
}

// Members returns the connection ids registered in a room, sorted.
func (i *Index) Members(key string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	set := i.members[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomOf returns the room the connection is registered in.
func (i *Index) RoomOf(connID string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	key, exists := i.roomOf[connID]
	return key, exists
}

// Stats returns index statistics for monitoring
func (i *Index) Stats() map[string]int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return map[string]int{
		"joined_connections": len(i.roomOf),
		"active_rooms":       len(i.members),
	}
}
