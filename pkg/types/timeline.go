package types

// Timeline is the receiver-side view of one room. It applies the two-phase id
// scheme: a locally sent message is shown under its client reference until
// the relay echoes it back with a durable id, after which the durable id is
// the only dedup key.
//
// Timeline is not safe for concurrent use.
type Timeline struct {
	messages []*Message
	byID     map[string]int
	pending  map[string]int // clientRef -> index of optimistic entry
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byID:    make(map[string]int),
		pending: make(map[string]int),
	}
}

// Reset replaces the timeline with a history snapshot.
func (t *Timeline) Reset(history []*Message) {
	t.messages = t.messages[:0]
	t.byID = make(map[string]int, len(history))
	t.pending = make(map[string]int)
	for _, m := range history {
		t.Apply(m)
	}
}

// AddLocal records an optimistic, not yet persisted message.
func (t *Timeline) AddLocal(m *Message) {
	if m.ClientRef == "" {
		return
	}
	if _, exists := t.pending[m.ClientRef]; exists {
		return
	}
	t.pending[m.ClientRef] = len(t.messages)
	t.messages = append(t.messages, m)
}

// Apply merges a persisted message. It returns false when the message was
// already known by durable id.
func (t *Timeline) Apply(m *Message) bool {
	if m == nil || m.ID == "" {
		return false
	}
	if _, seen := t.byID[m.ID]; seen {
		return false
	}
	if m.ClientRef != "" {
		if idx, ok := t.pending[m.ClientRef]; ok && sameRoom(t.messages[idx], m) {
			delete(t.pending, m.ClientRef)
			t.messages[idx] = m
			t.byID[m.ID] = idx
			return true
		}
	}
	t.byID[m.ID] = len(t.messages)
	t.messages = append(t.messages, m)
	return true
}

// sameRoom treats an unset room on the optimistic entry as a match.
func sameRoom(local, m *Message) bool {
	return (local.BusinessID == "" || local.BusinessID == m.BusinessID) &&
		(local.VisitorID == "" || local.VisitorID == m.VisitorID)
}

// Messages returns the current ordered view.
func (t *Timeline) Messages() []*Message {
	out := make([]*Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Pending reports how many optimistic messages are still unconfirmed.
func (t *Timeline) Pending() int {
	return len(t.pending)
}
