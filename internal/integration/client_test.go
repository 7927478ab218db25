package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/pkg/types"
)

const (
	testSecret  = "integration-secret"
	waitTimeout = 3 * time.Second
)

// testServer is a running application bound to a free local port.
type testServer struct {
	app  *app.Application
	addr string
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "chatrelay.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Auth.Secret = testSecret

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(stopCtx)
	})

	require.NoError(t, application.Database().PutBusiness(ctx, "biz-1", "owner-1", "Corner Cafe"))
	return &testServer{app: application, addr: application.Addr()}
}

func (s *testServer) token(t *testing.T, identity types.Identity) string {
	t.Helper()
	token, err := s.app.Resolver().Issue(identity, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+s.addr+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// testClient is a websocket client that keeps a receiver-side timeline.
type testClient struct {
	t        *testing.T
	conn     *websocket.Conn
	events   chan types.Envelope
	timeline *types.Timeline
}

func (s *testServer) dial(t *testing.T, identity types.Identity) *testClient {
	t.Helper()

	u := url.URL{Scheme: "ws", Host: s.addr, Path: "/ws"}
	u.RawQuery = url.Values{"token": {s.token(t, identity)}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)

	c := &testClient{
		t:        t,
		conn:     conn,
		events:   make(chan types.Envelope, 256),
		timeline: types.NewTimeline(),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	defer close(c.events)
	for {
		var envelope types.Envelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			return
		}
		c.events <- envelope
	}
}

func (c *testClient) emit(event string, data any) {
	c.t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(types.Envelope{Event: event, Data: payload}))
}

func (c *testClient) join(req types.JoinRequest) {
	c.t.Helper()
	c.emit(types.EventJoin, req)
}

func (c *testClient) send(req types.MessageRequest) {
	c.t.Helper()
	if req.ClientRef != "" {
		c.timeline.AddLocal(&types.Message{
			BusinessID: req.BusinessID,
			VisitorID:  req.VisitorID,
			Text:       req.Text,
			ClientRef:  req.ClientRef,
		})
	}
	c.emit(types.EventMessage, req)
}

// next returns the next event with the given name, skipping others.
func (c *testClient) next(event string) types.Envelope {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case envelope, ok := <-c.events:
			require.True(c.t, ok, "connection closed while waiting for %s", event)
			if envelope.Event == event {
				return envelope
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (c *testClient) history() []*types.Message {
	c.t.Helper()
	var messages []*types.Message
	require.NoError(c.t, json.Unmarshal(c.next(types.EventHistory).Data, &messages))
	c.timeline.Reset(messages)
	return messages
}

func (c *testClient) message() *types.Message {
	c.t.Helper()
	var message types.Message
	require.NoError(c.t, json.Unmarshal(c.next(types.EventMessage).Data, &message))
	c.timeline.Apply(&message)
	return &message
}

func (c *testClient) errorEvent() types.ErrorPayload {
	c.t.Helper()
	var payload types.ErrorPayload
	require.NoError(c.t, json.Unmarshal(c.next(types.EventError).Data, &payload))
	return payload
}

func (c *testClient) presence() string {
	c.t.Helper()
	var payload types.PresencePayload
	require.NoError(c.t, json.Unmarshal(c.next(types.EventPresence).Data, &payload))
	return payload.Msg
}

// quiet asserts that no event with the given name arrives within d.
func (c *testClient) quiet(event string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case envelope, ok := <-c.events:
			if !ok {
				return
			}
			if envelope.Event == event {
				c.t.Fatalf("unexpected %s event: %s", event, envelope.Data)
			}
		case <-deadline:
			return
		}
	}
}
