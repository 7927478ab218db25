package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Core is the part of the relay the transport drives.
type Core interface {
	Attach(peer interfaces.Peer, identity types.Identity) error
	Join(ctx context.Context, connID string, req types.JoinRequest) error
	Send(ctx context.Context, connID string, req types.MessageRequest) error
	Leave(connID string) error
	Disconnect(connID string)
	ReportError(connID string, err error)
}

// HandlerConfig holds socket-level tuning.
type HandlerConfig struct {
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultHandlerConfig returns the production defaults
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
// keeps idle browser tabs alive through common proxies.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendBuffer:     100,
		MaxMessageSize: 16 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Handler upgrades authenticated requests and pumps their events into the relay.
type Handler struct {
	core     Core
	resolver interfaces.IdentityResolver
	registry *Registry
	config   HandlerConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(core Core, resolver interfaces.IdentityResolver, registry *Registry, config HandlerConfig, logger zerolog.Logger) *Handler {
	h := &Handler{
		core:     core,
		resolver: resolver,
		registry: registry,
		config:   config,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(h.config.AllowedOrigins, "*") || lo.Contains(h.config.AllowedOrigins, origin)
}

// ServeHTTP authenticates, upgrades and hands the socket to a read pump.
// ARCHITECTURAL DISCOVERY: Identity is resolved before the upgrade so an
// unauthenticated client gets a plain 401 and never holds a socket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.Resolve(r)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket authentication failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, identity, h.config.SendBuffer, h.config.WriteTimeout)
	if err := h.core.Attach(conn, identity); err != nil {
		h.logger.Warn().Err(err).Str("identity", identity.ID).Msg("failed to attach connection")
		conn.closeWithMessage(websocket.CloseTryAgainLater, "relay unavailable")
		return
	}
	_ = h.registry.Register(conn)

	go h.handleConnection(conn)
}

// handleConnection runs the heartbeat and the read pump until the socket dies.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.core.Disconnect(conn.ID())
		h.registry.Unregister(conn)
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("websocket closed unexpectedly")
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			h.core.ReportError(conn.ID(), types.NewError(types.CodeBadRequest, fmt.Errorf("only text frames are accepted")))
			continue
		}
		h.dispatch(conn, data)
	}
}

func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// dispatch decodes one client envelope and calls the relay. A panic in event
// handling is reported to the client as an internal error and the socket stays open.
func (h *Handler) dispatch(conn *Connection, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error().Interface("panic", rec).Str("connection_id", conn.ID()).Msg("event handler panicked")
			h.core.ReportError(conn.ID(), types.NewError(types.CodeInternal, fmt.Errorf("panic: %v", rec)))
		}
	}()

	var envelope types.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.core.ReportError(conn.ID(), types.NewError(types.CodeBadRequest, fmt.Errorf("malformed envelope: %w", err)))
		return
	}

	ctx := conn.ctx
	switch envelope.Event {
	case types.EventJoin:
		var req types.JoinRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		_ = h.core.Join(ctx, conn.ID(), req)

	case types.EventMessage:
		var req types.MessageRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		_ = h.core.Send(ctx, conn.ID(), req)

	case types.EventLeave:
		if err := h.core.Leave(conn.ID()); err != nil {
			h.core.ReportError(conn.ID(), err)
		}

	default:
		h.core.ReportError(conn.ID(), types.NewError(types.CodeBadRequest, fmt.Errorf("unknown event %q", envelope.Event)))
	}
}

func (h *Handler) decode(conn *Connection, envelope types.Envelope, v any) bool {
	if len(envelope.Data) == 0 {
		h.core.ReportError(conn.ID(), types.NewError(types.CodeBadRequest, fmt.Errorf("%s event has no data", envelope.Event)))
		return false
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		h.core.ReportError(conn.ID(), types.NewError(types.CodeBadRequest, fmt.Errorf("malformed %s payload: %w", envelope.Event, err)))
		return false
	}
	return true
}
