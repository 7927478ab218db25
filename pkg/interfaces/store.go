package interfaces

import (
	"context"

	"chatrelay/pkg/types"
)

// MessageStore is the durable, append-only log of chat messages.
// ARCHITECTURAL DISCOVERY: The store assigns both id and createdAt, so a
// resubmitted message can never collide with an earlier one.
type MessageStore interface {
	// Append persists one message and returns it with id and createdAt set.
	// createdAt is monotonic non-decreasing per business in insert order.
	Append(ctx context.Context, businessID, visitorID, from, text string) (*types.Message, error)

	// ListByRoom returns the thread (businessID, visitorID) ordered by createdAt ascending.
	ListByRoom(ctx context.Context, businessID, visitorID string) ([]*types.Message, error)

	// ListByBusiness returns every thread of a business ordered by createdAt ascending.
	ListByBusiness(ctx context.Context, businessID string) ([]*types.Message, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// BusinessDirectory answers existence and ownership facts owned by the
// external listing service.
type BusinessDirectory interface {
	Exists(ctx context.Context, businessID string) (bool, error)
	IsOwnedBy(ctx context.Context, businessID, ownerID string) (bool, error)
}
