package room

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_RoundTrip(t *testing.T) {
	key := Key("biz-1", "visitor_42")
	assert.Equal(t, "biz-1:visitor_42", key)

	businessID, visitorID, err := Parse(key)
	require.NoError(t, err)
	assert.Equal(t, "biz-1", businessID)
	assert.Equal(t, "visitor_42", visitorID)
}

func TestKey_DistinctPairsNeverCollide(t *testing.T) {
	assert.NotEqual(t, Key("a", "bc"), Key("ab", "c"))
	assert.NotEqual(t, Key("biz", "v1"), Key("biz", "v2"))
}

func TestParse_RejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{"", "nosep", ":v1", "biz:", "biz:v1:extra", "biz id:v1"} {
		t.Run(key, func(t *testing.T) {
			_, _, err := Parse(key)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestIndex_MoveNeverLeavesTwoRooms(t *testing.T) {
	idx := NewIndex()
	roomA, roomB := Key("biz", "a"), Key("biz", "b")

	previous, err := idx.Move("c1", roomA)
	require.NoError(t, err)
	assert.Empty(t, previous)

	previous, err = idx.Move("c1", roomB)
	require.NoError(t, err)
	assert.Equal(t, roomA, previous)

	assert.Empty(t, idx.Members(roomA))
	assert.Equal(t, []string{"c1"}, idx.Members(roomB))

	key, ok := idx.RoomOf("c1")
	assert.True(t, ok)
	assert.Equal(t, roomB, key)
}

func TestIndex_MoveToSameRoomIsNoop(t *testing.T) {
	idx := NewIndex()
	room := Key("biz", "a")

	_, err := idx.Move("c1", room)
	require.NoError(t, err)
	previous, err := idx.Move("c1", room)
	require.NoError(t, err)

	assert.Equal(t, room, previous)
	assert.Equal(t, []string{"c1"}, idx.Members(room))
}

func TestIndex_MoveValidatesInput(t *testing.T) {
	idx := NewIndex()

	_, err := idx.Move("", Key("biz", "a"))
	assert.ErrorIs(t, err, ErrEmptyConnection)

	_, err = idx.Move("c1", "garbage")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestIndex_RemoveIsIdempotentAndCleansUp(t *testing.T) {
	idx := NewIndex()
	room := Key("biz", "a")

	_, _ = idx.Move("c1", room)
	_, _ = idx.Move("c2", room)

	assert.Equal(t, room, idx.Remove("c1"))
	assert.Empty(t, idx.Remove("c1"))
	assert.Equal(t, []string{"c2"}, idx.Members(room))

	idx.Remove("c2")
	assert.Equal(t, map[string]int{"joined_connections": 0, "active_rooms": 0}, idx.Stats())
}

func TestIndex_ConcurrentMoves(t *testing.T) {
	idx := NewIndex()

	var wg sync.WaitGroup
	for c := 0; c < 20; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", c)
			for r := 0; r < 50; r++ {
				_, err := idx.Move(connID, Key("biz", fmt.Sprintf("v%d", r%5)))
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	total := 0
	for r := 0; r < 5; r++ {
		total += len(idx.Members(Key("biz", fmt.Sprintf("v%d", r))))
	}
	assert.Equal(t, 20, total)
	assert.Equal(t, 20, idx.Stats()["joined_connections"])
}

func TestLocks_SerialiseSameRoom(t *testing.T) {
	locks := NewLocks()

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("biz:a")
			defer unlock()
			assert.Equal(t, int32(1), atomic.AddInt32(&inside, 1))
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, locks.Len())
}

func TestLocks_DifferentRoomsDoNotBlock(t *testing.T) {
	locks := NewLocks()

	unlockA := locks.Lock("biz:a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("biz:b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another room blocked")
	}
}

func TestLocks_UnlockIsIdempotent(t *testing.T) {
	locks := NewLocks()

	unlock := locks.Lock("biz:a")
	unlock()
	unlock()

	assert.Equal(t, 0, locks.Len())
}
