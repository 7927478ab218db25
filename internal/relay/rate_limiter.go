package relay

import (
	"sync"
	"time"
)

// RateLimiter implements per-sender fixed-window rate limiting
// ARCHITECTURAL DISCOVERY: Per-sender state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	senders map[string]*senderWindow
	now     func() time.Time
}

type senderWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit messages per window for each sender.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		senders: make(map[string]*senderWindow),
		now:     time.Now,
	}
}

// Allow records one message for the sender and reports whether it is within the limit.
func (rl *RateLimiter) Allow(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	w, exists := rl.senders[senderID]
	if !exists || now.Sub(w.windowStart) >= rl.window {
		rl.senders[senderID] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup drops senders idle for five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for senderID, w := range rl.senders {
		if now.Sub(w.windowStart) > 5*rl.window {
			delete(rl.senders, senderID)
		}
	}
}

// Len returns the number of tracked senders.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.senders)
}
