package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.Peer = (*Connection)(nil)

// staticResolver accepts a single fixed token.
type staticResolver struct {
	token    string
	identity types.Identity
}

func (s staticResolver) Resolve(r *http.Request) (types.Identity, error) {
	if r.URL.Query().Get("token") != s.token {
		return types.Identity{}, types.ErrUnauthenticated
	}
	return s.identity, nil
}

// recordingCore captures what the transport hands to the relay and echoes
// joins and messages back to the peer.
type recordingCore struct {
	mu           sync.Mutex
	peers        map[string]interfaces.Peer
	joins        []types.JoinRequest
	sends        []types.MessageRequest
	leaves       int
	disconnected chan string
	attachErr    error
	panicOnSend  bool
}

func newRecordingCore() *recordingCore {
	return &recordingCore{
		peers:        make(map[string]interfaces.Peer),
		disconnected: make(chan string, 10),
	}
}

func (c *recordingCore) Attach(peer interfaces.Peer, _ types.Identity) error {
	if c.attachErr != nil {
		return c.attachErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peer.ID()] = peer
	return nil
}

func (c *recordingCore) peer(connID string) interfaces.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[connID]
}

func (c *recordingCore) Join(_ context.Context, connID string, req types.JoinRequest) error {
	c.mu.Lock()
	c.joins = append(c.joins, req)
	c.mu.Unlock()
	return c.peer(connID).Send(types.HistoryEvent(nil))
}

func (c *recordingCore) Send(_ context.Context, connID string, req types.MessageRequest) error {
	if c.panicOnSend {
		panic("boom")
	}
	c.mu.Lock()
	c.sends = append(c.sends, req)
	c.mu.Unlock()
	return c.peer(connID).Send(types.MessageEvent(&types.Message{ID: "m1", Text: req.Text, ClientRef: req.ClientRef}))
}

func (c *recordingCore) Leave(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	return nil
}

func (c *recordingCore) Disconnect(connID string) {
	c.disconnected <- connID
}

func (c *recordingCore) ReportError(connID string, err error) {
	if p := c.peer(connID); p != nil {
		_ = p.Send(types.ErrorEvent(err))
	}
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startServer(t *testing.T, core *recordingCore, config HandlerConfig) (*httptest.Server, *Registry) {
	t.Helper()
	registry := NewRegistry()
	resolver := staticResolver{
		token:    "good",
		identity: types.Identity{Kind: types.KindVisitor, ID: "v1", DisplayName: "Alice"},
	}
	handler := NewHandler(core, resolver, registry, config, zerolog.Nop())
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, registry
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event received
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func errorCode(t *testing.T, event received) string {
	t.Helper()
	require.Equal(t, types.EventError, event.Event)
	var payload types.ErrorPayload
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	return payload.Code
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	server, _ := startServer(t, newRecordingCore(), DefaultHandlerConfig())

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_DispatchesJoinAndMessage(t *testing.T) {
	core := newRecordingCore()
	server, _ := startServer(t, core, DefaultHandlerConfig())
	conn := dial(t, server, "good")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "join",
		"data":  map[string]any{"businessId": "biz-1", "visitorId": "v1", "visitorName": "Alice"},
	}))
	assert.Equal(t, types.EventHistory, readEvent(t, conn).Event)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "message",
		"data":  map[string]any{"businessId": "biz-1", "text": "Hello", "clientRef": "r1"},
	}))
	event := readEvent(t, conn)
	require.Equal(t, types.EventMessage, event.Event)

	var msg types.Message
	require.NoError(t, json.Unmarshal(event.Data, &msg))
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, "r1", msg.ClientRef)

	core.mu.Lock()
	defer core.mu.Unlock()
	require.Len(t, core.joins, 1)
	assert.Equal(t, "Alice", core.joins[0].VisitorName)
	require.Len(t, core.sends, 1)
}

func TestHandler_MalformedInputIsReportedAndSocketSurvives(t *testing.T) {
	core := newRecordingCore()
	server, _ := startServer(t, core, DefaultHandlerConfig())
	conn := dial(t, server, "good")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, types.CodeBadRequest, errorCode(t, readEvent(t, conn)))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "dance"}))
	assert.Equal(t, types.CodeBadRequest, errorCode(t, readEvent(t, conn)))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "message"}))
	assert.Equal(t, types.CodeBadRequest, errorCode(t, readEvent(t, conn)))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	assert.Equal(t, types.CodeBadRequest, errorCode(t, readEvent(t, conn)))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "leave", "data": map[string]any{}}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "join",
		"data":  map[string]any{"businessId": "biz-1"},
	}))
	assert.Equal(t, types.EventHistory, readEvent(t, conn).Event)

	core.mu.Lock()
	assert.Equal(t, 1, core.leaves)
	core.mu.Unlock()
}

func TestHandler_PanicIsReportedAsInternal(t *testing.T) {
	core := newRecordingCore()
	core.panicOnSend = true
	server, _ := startServer(t, core, DefaultHandlerConfig())
	conn := dial(t, server, "good")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "message",
		"data":  map[string]any{"businessId": "biz-1", "text": "Hello"},
	}))
	assert.Equal(t, types.CodeInternal, errorCode(t, readEvent(t, conn)))
}

func TestHandler_DisconnectOnClientClose(t *testing.T) {
	core := newRecordingCore()
	server, registry := startServer(t, core, DefaultHandlerConfig())
	conn := dial(t, server, "good")

	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 10*time.Millisecond)
	_ = conn.Close()

	select {
	case <-core.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("relay was not told about the disconnect")
	}
	require.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandler_AttachFailureClosesSocket(t *testing.T) {
	core := newRecordingCore()
	core.attachErr = errors.New("relay is not running")
	server, registry := startServer(t, core, DefaultHandlerConfig())
	conn := dial(t, server, "good")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater))
	assert.Equal(t, 0, registry.Len())
}

func TestHandler_CloseAllSendsGoingAway(t *testing.T) {
	core := newRecordingCore()
	server, registry := startServer(t, core, DefaultHandlerConfig())
	conn := dial(t, server, "good")

	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 10*time.Millisecond)
	registry.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestHandler_CheckOrigin(t *testing.T) {
	h := NewHandler(newRecordingCore(), staticResolver{}, NewRegistry(), HandlerConfig{
		AllowedOrigins: []string{"https://directory.example"},
	}, zerolog.Nop())

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://directory.example")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))
}
