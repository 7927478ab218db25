package relay

import "errors"

var (
	ErrRelayAlreadyRunning = errors.New("relay is already running")
	ErrRelayNotRunning     = errors.New("relay is not running")
	ErrUnknownConnection   = errors.New("connection is not attached")
	ErrNilPeer             = errors.New("peer cannot be nil")
)
