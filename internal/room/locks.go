package room

import "sync"

// Locks hands out one mutex per room key. Entries are reference counted and
// dropped when the last holder unlocks, so idle rooms cost nothing.
type Locks struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty lock table
func NewLocks() *Locks {
	return &Locks{rooms: make(map[string]*roomLock)}
}

// Lock acquires the room's mutex and returns the function that releases it.
func (l *Locks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	rl, exists := l.rooms[key]
	if !exists {
		rl = &roomLock{}
		l.rooms[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Unlock()

			l.mu.Lock()
			rl.refs--
			if rl.refs == 0 {
				delete(l.rooms, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many rooms currently have a holder or waiter.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
