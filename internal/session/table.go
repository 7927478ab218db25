// Package session holds the per-connection state the relay keeps between events.
package session

import (
	"sync"
	"time"

	"chatrelay/pkg/types"
)

// Session is the relay's view of one open connection.
type Session struct {
	ConnectionID string
	Identity     types.Identity
	DisplayName  string
	// BusinessID is set by join, also for an owner that has not picked a thread.
	BusinessID   string
	RoomKey      string
	JoinedAt     time.Time
	LastActivity time.Time
}

// Joined reports whether the session is registered in a room.
func (s Session) Joined() bool {
	return s.RoomKey != ""
}

// Table maps connection ids to sessions. It hands out copies so callers
// cannot mutate state behind the table's lock.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewTable creates an empty session table
func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create adds an UNJOINED session for a freshly attached connection.
func (t *Table) Create(connID string, identity types.Identity) (Session, error) {
	if connID == "" {
		return Session{}, ErrEmptyConnection
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[connID]; exists {
		return Session{}, ErrSessionExists
	}
	s := &Session{
		ConnectionID: connID,
		Identity:     identity,
		DisplayName:  identity.DisplayName,
		LastActivity: t.now(),
	}
	t.sessions[connID] = s
	return *s, nil
}

// Get returns a copy of the session.
func (t *Table) Get(connID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, exists := t.sessions[connID]
	if !exists {
		return Session{}, false
	}
	return *s, true
}

// Update applies fn to the stored session under the table lock and returns the result.
func (t *Table) Update(connID string, fn func(*Session)) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.sessions[connID]
	if !exists {
		return Session{}, ErrSessionNotFound
	}
	fn(s)
	s.LastActivity = t.now()
	return *s, nil
}

// Join records the business and room of a session.
func (t *Table) Join(connID, businessID, roomKey, displayName string) (Session, error) {
	return t.Update(connID, func(s *Session) {
		s.BusinessID = businessID
		s.RoomKey = roomKey
		if displayName != "" {
			s.DisplayName = displayName
		}
		if roomKey != "" {
			s.JoinedAt = t.now()
		} else {
			s.JoinedAt = time.Time{}
		}
	})
}

// Leave returns the session to UNJOINED, keeping its business.
func (t *Table) Leave(connID string) (Session, error) {
	return t.Update(connID, func(s *Session) {
		s.RoomKey = ""
		s.JoinedAt = time.Time{}
	})
}

// Touch refreshes LastActivity.
func (t *Table) Touch(connID string) {
	_, _ = t.Update(connID, func(*Session) {})
}

// Delete removes the session and returns its final state. Idempotent.
func (t *Table) Delete(connID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.sessions[connID]
	if !exists {
		return Session{}, false
	}
	delete(t.sessions, connID)
	return *s, true
}

// Len returns the number of attached connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Stats counts sessions by identity kind and join state.
func (t *Table) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[string]int{
		"connections": len(t.sessions),
		"visitors":    0,
		"owners":      0,
		"unjoined":    0,
	}
	for _, s := range t.sessions {
		if s.Identity.IsOwner() {
			stats["owners"]++
		} else {
			stats["visitors"]++
		}
		if !s.Joined() {
			stats["unjoined"]++
		}
	}
	return stats
}
