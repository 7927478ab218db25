package interfaces

import "chatrelay/pkg/types"

// Peer is the relay's view of one live connection.
// FUNCTIONAL DISCOVERY: Send must be safe for concurrent use and must not
// block on a slow socket; implementations queue onto a single writer.
type Peer interface {
	ID() string
	Send(event types.OutboundEvent) error
}
