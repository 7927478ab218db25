package types

import (
	"encoding/json"
	"time"
)

// Client -> relay event names
const (
	EventJoin    = "join"
	EventMessage = "message"
	EventLeave   = "leave"
)

// Relay -> client event names
const (
	EventHistory  = "history"
	EventPresence = "presence"
	EventError    = "error"
)

// IdentityKind distinguishes the two sides of a conversation.
type IdentityKind string

const (
	KindVisitor IdentityKind = "visitor"
	KindOwner   IdentityKind = "owner"
)

// Identity is the resolved participant behind a connection.
// ARCHITECTURAL DISCOVERY: Identity comes only from the resolver, never from
// event payloads, so a client cannot impersonate another visitor's thread.
type Identity struct {
	Kind        IdentityKind `json:"kind"`
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName"`
}

// IsOwner reports whether the identity is a business owner.
func (i Identity) IsOwner() bool {
	return i.Kind == KindOwner
}

// Message is a persisted chat message.
// FUNCTIONAL DISCOVERY: VisitorID is set on owner replies too, so a thread
// can be rebuilt from the store alone.
type Message struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"businessId"`
	VisitorID  string    `json:"visitorId"`
	From       string    `json:"from"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`

	// ClientRef echoes the sender's local correlation token. Not persisted.
	ClientRef string `json:"clientRef,omitempty"`
}

// JoinRequest is the payload of a join event. Visitors send VisitorID and
// VisitorName, owners send Name and optionally the VisitorID of the thread
// they want to attach to.
type JoinRequest struct {
	BusinessID  string `json:"businessId" validate:"required,relayid"`
	VisitorID   string `json:"visitorId" validate:"omitempty,relayid"`
	VisitorName string `json:"visitorName" validate:"max=100"`
	Name        string `json:"name" validate:"max=100"`
}

// MessageRequest is the payload of a message event. From is advisory: the
// relay stamps messages with the session's display name and never reads it.
type MessageRequest struct {
	BusinessID string `json:"businessId" validate:"required,relayid"`
	Text       string `json:"text"`
	From       string `json:"from"`
	VisitorID  string `json:"visitorId" validate:"omitempty,relayid"`
	ClientRef  string `json:"clientRef" validate:"max=64"`
}

// Envelope frames every event on the wire in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is an event the relay delivers to a connection.
type OutboundEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PresencePayload is the transient join/leave announcement.
type PresencePayload struct {
	Msg string `json:"msg"`
}

// ErrorPayload is reported to the originating connection only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Conversation groups the messages of one visitor thread of a business.
type Conversation struct {
	VisitorID   string     `json:"visitorId"`
	VisitorName string     `json:"visitorName"`
	Messages    []*Message `json:"messages"`
}

// HistoryEvent builds the snapshot delivered to a joining connection.
func HistoryEvent(messages []*Message) OutboundEvent {
	if messages == nil {
		messages = []*Message{}
	}
	return OutboundEvent{Event: EventHistory, Data: messages}
}

// MessageEvent builds a fan-out event for one persisted message.
func MessageEvent(message *Message) OutboundEvent {
	return OutboundEvent{Event: EventMessage, Data: message}
}

// PresenceEvent builds a transient presence announcement.
func PresenceEvent(msg string) OutboundEvent {
	return OutboundEvent{Event: EventPresence, Data: PresencePayload{Msg: msg}}
}

// ErrorEvent builds a structured error event from any error.
func ErrorEvent(err error) OutboundEvent {
	return OutboundEvent{Event: EventError, Data: ErrorPayload{
		Code:    CodeOf(err),
		Message: err.Error(),
	}}
}
