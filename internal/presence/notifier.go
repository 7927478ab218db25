// Package presence announces visitors arriving in and leaving a conversation.
package presence

import (
	"fmt"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/session"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Notifier sends transient presence events. Nothing it sends is persisted or
// appears in history.
type Notifier struct {
	logger zerolog.Logger
}

// NewNotifier creates a presence notifier
func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{logger: logger.With().Str("component", "presence").Logger()}
}

// Joined tells the other members of a room that the session's visitor arrived.
func (n *Notifier) Joined(s session.Session, others []interfaces.Peer) {
	n.announce(s, others, "%s joined the chat")
}

// Left tells the remaining members of a room that the session's visitor went away.
func (n *Notifier) Left(s session.Session, others []interfaces.Peer) {
	n.announce(s, others, "%s left the chat")
}

// FUNCTIONAL DISCOVERY: Only visitors are announced; an owner hopping between
// threads would otherwise spam every visitor it looks at.
func (n *Notifier) announce(s session.Session, others []interfaces.Peer, format string) {
	if s.Identity.IsOwner() || len(others) == 0 {
		return
	}

	event := types.PresenceEvent(fmt.Sprintf(format, displayName(s)))
	for _, peer := range others {
		if peer.ID() == s.ConnectionID {
			continue
		}
		if err := peer.Send(event); err != nil {
			metrics.Deliveries.WithLabelValues(types.EventPresence, "failed").Inc()
			n.logger.Debug().Err(err).Str("connection_id", peer.ID()).Msg("presence delivery failed")
			continue
		}
		metrics.Deliveries.WithLabelValues(types.EventPresence, "ok").Inc()
	}
}

func displayName(s session.Session) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return "Visitor"
}
