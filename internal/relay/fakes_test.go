package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/types"
)

// memoryStore is an in-memory MessageStore with a strictly increasing clock.
type memoryStore struct {
	mu       sync.Mutex
	messages []*types.Message
	seq      int
	clock    time.Time
	failNext error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{clock: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (s *memoryStore) Append(_ context.Context, businessID, visitorID, from, text string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	s.seq++
	s.clock = s.clock.Add(time.Millisecond)
	msg := &types.Message{
		ID:         fmt.Sprintf("m%04d", s.seq),
		BusinessID: businessID,
		VisitorID:  visitorID,
		From:       from,
		Text:       text,
		CreatedAt:  s.clock,
	}
	stored := *msg
	s.messages = append(s.messages, &stored)
	return msg, nil
}

func (s *memoryStore) ListByRoom(_ context.Context, businessID, visitorID string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Message, 0)
	for _, m := range s.messages {
		if m.BusinessID == businessID && m.VisitorID == visitorID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memoryStore) ListByBusiness(_ context.Context, businessID string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Message, 0)
	for _, m := range s.messages {
		if m.BusinessID == businessID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memoryStore) HealthCheck(context.Context) error { return nil }
func (s *memoryStore) Close() error                      { return nil }

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memoryStore) failOnce(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// directory maps business ids to owner ids.
type directory map[string]string

func (d directory) Exists(_ context.Context, businessID string) (bool, error) {
	_, ok := d[businessID]
	return ok, nil
}

func (d directory) IsOwnedBy(_ context.Context, businessID, ownerID string) (bool, error) {
	owner, ok := d[businessID]
	return ok && owner == ownerID, nil
}

// fakePeer records every event delivered to it.
type fakePeer struct {
	id     string
	mu     sync.Mutex
	events []types.OutboundEvent
	fail   bool
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(event types.OutboundEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("peer closed")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePeer) all(name string) []types.OutboundEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.OutboundEvent
	for _, e := range p.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func (p *fakePeer) messages() []*types.Message {
	var out []*types.Message
	for _, e := range p.all(types.EventMessage) {
		out = append(out, e.Data.(*types.Message))
	}
	return out
}

func (p *fakePeer) history() []*types.Message {
	events := p.all(types.EventHistory)
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1].Data.([]*types.Message)
}

func (p *fakePeer) errors() []types.ErrorPayload {
	var out []types.ErrorPayload
	for _, e := range p.all(types.EventError) {
		out = append(out, e.Data.(types.ErrorPayload))
	}
	return out
}

func (p *fakePeer) presence() []string {
	var out []string
	for _, e := range p.all(types.EventPresence) {
		out = append(out, e.Data.(types.PresencePayload).Msg)
	}
	return out
}

const (
	bizID   = "biz-1"
	ownerID = "owner-1"
)

func visitorIdentity(id, name string) types.Identity {
	return types.Identity{Kind: types.KindVisitor, ID: id, DisplayName: name}
}

func ownerIdentity() types.Identity {
	return types.Identity{Kind: types.KindOwner, ID: ownerID, DisplayName: "Bob"}
}

type harness struct {
	relay *Relay
	store *memoryStore
}

func newHarness(t *testing.T, options Options) *harness {
	t.Helper()
	store := newMemoryStore()
	r := New(store, directory{bizID: ownerID, "biz-2": "owner-2"}, options, zerolog.Nop())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })
	return &harness{relay: r, store: store}
}

func (h *harness) attach(t *testing.T, id string, identity types.Identity) *fakePeer {
	t.Helper()
	peer := newPeer(id)
	require.NoError(t, h.relay.Attach(peer, identity))
	return peer
}

func (h *harness) joinVisitor(t *testing.T, connID, visitorID, name string) *fakePeer {
	t.Helper()
	peer := h.attach(t, connID, visitorIdentity(visitorID, name))
	require.NoError(t, h.relay.Join(context.Background(), connID, types.JoinRequest{
		BusinessID:  bizID,
		VisitorID:   visitorID,
		VisitorName: name,
	}))
	return peer
}

func (h *harness) joinOwner(t *testing.T, connID, visitorID string) *fakePeer {
	t.Helper()
	peer := h.attach(t, connID, ownerIdentity())
	require.NoError(t, h.relay.Join(context.Background(), connID, types.JoinRequest{
		BusinessID: bizID,
		Name:       "Bob",
		VisitorID:  visitorID,
	}))
	return peer
}

func (h *harness) send(connID, visitorID, text string) error {
	return h.relay.Send(context.Background(), connID, types.MessageRequest{
		BusinessID: bizID,
		VisitorID:  visitorID,
		Text:       text,
	})
}

func ids(messages []*types.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
