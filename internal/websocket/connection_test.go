package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/types"
)

// serverConnection upgrades one request and hands the server-side Connection to the test.
func serverConnection(t *testing.T, buffer int) (*Connection, *websocket.Conn) {
	t.Helper()
	ready := make(chan *Connection, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		ready <- NewConnection(ws, types.Identity{Kind: types.KindVisitor, ID: "v1"}, buffer, time.Second)
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	conn := <-ready
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

func TestConnection_SendDeliversInOrder(t *testing.T) {
	conn, client := serverConnection(t, 10)
	assert.NotEmpty(t, conn.ID())

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, conn.Send(types.PresenceEvent(text)))
	}

	for _, want := range []string{"one", "two", "three"} {
		var event struct {
			Event string                `json:"event"`
			Data  types.PresencePayload `json:"data"`
		}
		require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
		require.NoError(t, client.ReadJSON(&event))
		assert.Equal(t, types.EventPresence, event.Event)
		assert.Equal(t, want, event.Data.Msg)
	}
}

func TestConnection_SendAfterCloseFails(t *testing.T) {
	conn, _ := serverConnection(t, 10)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send(types.PresenceEvent("late")), ErrConnectionClosed)
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestConnection_FullBufferClosesConnection(t *testing.T) {
	conn, _ := serverConnection(t, 1)

	// The client never reads, so eventually the socket and the buffer fill up.
	big := strings.Repeat("x", 64*1024)
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = conn.Send(types.PresenceEvent(big))
	}
	assert.ErrorIs(t, err, ErrSendBufferFull)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("overflowing connection should be closed")
	}
	assert.ErrorIs(t, conn.Send(types.PresenceEvent("late")), ErrConnectionClosed)
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	registry := NewRegistry()
	conn, _ := serverConnection(t, 1)

	assert.ErrorIs(t, registry.Register(nil), ErrNilConnection)
	require.NoError(t, registry.Register(conn))

	got, ok := registry.Get(conn.ID())
	require.True(t, ok)
	assert.Same(t, conn, got)

	registry.Unregister(conn)
	registry.Unregister(conn)
	assert.Equal(t, 0, registry.Len())
}
