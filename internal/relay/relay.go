// Package relay routes chat events between visitors and business owners.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"chatrelay/internal/metrics"
	"chatrelay/internal/presence"
	"chatrelay/internal/room"
	"chatrelay/internal/session"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Options tunes a Relay.
type Options struct {
	RateLimit       int
	RateWindow      time.Duration
	JanitorInterval time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		RateLimit:       100,
		RateWindow:      time.Minute,
		JanitorInterval: time.Minute,
	}
}

// Relay is the core of the chat service. Each connection's read goroutine
// calls it synchronously, so events from one connection are handled in order.
//
// ARCHITECTURAL DISCOVERY: Room-scoped work runs under a per-room lock. Taking
// the history snapshot and registering the joiner under the same lock that
// guards persist-then-fanout means a message is either in the snapshot or
// delivered live, never both and never neither.
type Relay struct {
	store     interfaces.MessageStore
	directory interfaces.BusinessDirectory
	sessions  *session.Table
	index     *room.Index
	locks     *room.Locks
	presence  *presence.Notifier
	limiter   *RateLimiter
	options   Options
	logger    zerolog.Logger

	peersMu sync.RWMutex
	peers   map[string]interfaces.Peer

	running  bool
	mu       sync.RWMutex
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a relay over the given store and directory.
func New(store interfaces.MessageStore, directory interfaces.BusinessDirectory, options Options, logger zerolog.Logger) *Relay {
	defaults := DefaultOptions()
	if options.RateLimit <= 0 {
		options.RateLimit = defaults.RateLimit
	}
	if options.RateWindow <= 0 {
		options.RateWindow = defaults.RateWindow
	}
	if options.JanitorInterval <= 0 {
		options.JanitorInterval = defaults.JanitorInterval
	}

	return &Relay{
		store:     store,
		directory: directory,
		sessions:  session.NewTable(),
		index:     room.NewIndex(),
		locks:     room.NewLocks(),
		presence:  presence.NewNotifier(logger),
		limiter:   NewRateLimiter(options.RateLimit, options.RateWindow),
		options:   options,
		logger:    logger.With().Str("component", "relay").Logger(),
		peers:     make(map[string]interfaces.Peer),
	}
}

// Start begins accepting connections and starts the background janitor.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRelayAlreadyRunning
	}
	r.running = true
	r.shutdown = make(chan struct{})

	r.wg.Add(1)
	go r.janitor(ctx, r.shutdown)

	r.logger.Info().Msg("relay started")
	return nil
}

// Stop refuses new connections and stops the janitor. Open connections are
// closed by the transport.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrRelayNotRunning
	}
	r.running = false
	close(r.shutdown)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("relay stopped")
	return nil
}

func (r *Relay) isRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Relay) janitor(ctx context.Context, shutdown <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.options.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.limiter.Cleanup()
			metrics.RoomsActive.Set(float64(r.index.Stats()["active_rooms"]))
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Attach creates an UNJOINED session for an authenticated connection.
func (r *Relay) Attach(peer interfaces.Peer, identity types.Identity) error {
	if peer == nil {
		return ErrNilPeer
	}
	if !r.isRunning() {
		return ErrRelayNotRunning
	}
	if identity.Kind != types.KindVisitor && identity.Kind != types.KindOwner {
		return types.NewError(types.CodeValidation, fmt.Errorf("unknown identity kind %q", identity.Kind))
	}
	if !types.IsValidID(identity.ID) {
		return types.ErrInvalidID
	}

	if _, err := r.sessions.Create(peer.ID(), identity); err != nil {
		return err
	}

	r.peersMu.Lock()
	r.peers[peer.ID()] = peer
	r.peersMu.Unlock()

	metrics.ConnectionsActive.Inc()
	r.logger.Debug().
		Str("connection_id", peer.ID()).
		Str("kind", string(identity.Kind)).
		Str("identity", identity.ID).
		Msg("connection attached")
	return nil
}

// Join registers the connection in a conversation room and delivers the
// room's history to it alone.
func (r *Relay) Join(ctx context.Context, connID string, req types.JoinRequest) error {
	s, ok := r.sessions.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if err := r.join(ctx, s, req); err != nil {
		r.reportError(connID, err)
		return err
	}
	return nil
}

func (r *Relay) join(ctx context.Context, s session.Session, req types.JoinRequest) error {
	if !r.isRunning() {
		return ErrRelayNotRunning
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if err := r.checkBusiness(ctx, s.Identity, req.BusinessID); err != nil {
		return err
	}

	targetVisitor, displayName, err := resolveJoin(s.Identity, req)
	if err != nil {
		return err
	}

	key := ""
	if targetVisitor != "" {
		key = room.Key(req.BusinessID, targetVisitor)
	}

	if s.Joined() && s.RoomKey != key {
		r.leaveRoom(s)
		if s, err = r.sessions.Leave(s.ConnectionID); err != nil {
			return err
		}
	}

	// FUNCTIONAL DISCOVERY: An owner without a target thread is bound to the
	// business but receives no fan-out and no history until it picks one.
	if key == "" {
		_, err := r.sessions.Join(s.ConnectionID, req.BusinessID, "", displayName)
		return err
	}

	unlock := r.locks.Lock(key)
	defer unlock()

	history, err := r.store.ListByRoom(ctx, req.BusinessID, targetVisitor)
	if err != nil {
		return types.NewError(types.CodeInternal, fmt.Errorf("failed to load history: %w", err))
	}

	alreadyMember := s.RoomKey == key
	if _, err := r.index.Move(s.ConnectionID, key); err != nil {
		return types.NewError(types.CodeInternal, err)
	}
	joined, err := r.sessions.Join(s.ConnectionID, req.BusinessID, key, displayName)
	if err != nil {
		r.index.Remove(s.ConnectionID)
		return err
	}

	// A member without its snapshot would see later messages after a gap.
	undo := func() {
		r.index.Remove(s.ConnectionID)
		_, _ = r.sessions.Leave(s.ConnectionID)
	}
	peer, ok := r.peer(s.ConnectionID)
	if !ok {
		undo()
		return ErrUnknownConnection
	}
	if err := peer.Send(types.HistoryEvent(history)); err != nil {
		undo()
		metrics.Deliveries.WithLabelValues(types.EventHistory, "failed").Inc()
		return types.NewError(types.CodeDeliveryFailed, fmt.Errorf("failed to deliver history: %w", err))
	}
	metrics.Deliveries.WithLabelValues(types.EventHistory, "ok").Inc()

	if !alreadyMember {
		r.presence.Joined(joined, r.peersExcept(r.index.Members(key), s.ConnectionID))
		metrics.Joins.WithLabelValues(string(s.Identity.Kind)).Inc()
	}

	r.logger.Debug().
		Str("connection_id", s.ConnectionID).
		Str("room", key).
		Int("history", len(history)).
		Msg("joined room")
	return nil
}

// checkBusiness verifies the business exists and, for owners, that they own it.
func (r *Relay) checkBusiness(ctx context.Context, identity types.Identity, businessID string) error {
	exists, err := r.directory.Exists(ctx, businessID)
	if err != nil {
		return types.NewError(types.CodeInternal, fmt.Errorf("business lookup failed: %w", err))
	}
	if !exists {
		return types.ErrNotFound
	}

	if identity.IsOwner() {
		owned, err := r.directory.IsOwnedBy(ctx, businessID, identity.ID)
		if err != nil {
			return types.NewError(types.CodeInternal, fmt.Errorf("ownership lookup failed: %w", err))
		}
		if !owned {
			return types.ErrForbidden
		}
	}
	return nil
}

// resolveJoin picks the visitor thread and display name for a join.
func resolveJoin(identity types.Identity, req types.JoinRequest) (visitorID, displayName string, err error) {
	if identity.IsOwner() {
		return req.VisitorID, firstNonEmpty(req.Name, identity.DisplayName, "Owner"), nil
	}
	// ARCHITECTURAL DISCOVERY: A visitor's room is always its own thread; the
	// payload visitorId may only confirm it.
	if req.VisitorID != "" && req.VisitorID != identity.ID {
		return "", "", types.ErrVisitorMismatch
	}
	return identity.ID, firstNonEmpty(req.VisitorName, identity.DisplayName, "Visitor"), nil
}

// Send persists a message and fans it out to every connection in the
// sender's room, the sender included.
func (r *Relay) Send(ctx context.Context, connID string, req types.MessageRequest) error {
	s, ok := r.sessions.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if err := r.send(ctx, s, req); err != nil {
		r.reportError(connID, err)
		return err
	}
	return nil
}

func (r *Relay) send(ctx context.Context, s session.Session, req types.MessageRequest) error {
	if !r.isRunning() {
		return ErrRelayNotRunning
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if !s.Joined() {
		return types.ErrNotJoined
	}

	_, currentVisitor, err := room.Parse(s.RoomKey)
	if err != nil {
		return types.NewError(types.CodeInternal, err)
	}
	visitorID := firstNonEmpty(req.VisitorID, currentVisitor)
	key := room.Key(req.BusinessID, visitorID)
	if key != s.RoomKey {
		return types.NewError(types.CodeNotJoined, fmt.Errorf("not joined to conversation %s", key))
	}

	if !r.limiter.Allow(string(s.Identity.Kind) + ":" + s.Identity.ID) {
		return types.ErrRateLimited
	}

	unlock := r.locks.Lock(key)
	defer unlock()

	// The index is the source of truth for fan-out; a concurrent Disconnect
	// may have removed the connection since the session snapshot was taken.
	if current, ok := r.index.RoomOf(s.ConnectionID); !ok || current != key {
		return types.ErrNotJoined
	}

	msg, err := r.store.Append(ctx, req.BusinessID, visitorID, s.DisplayName, req.Text)
	if err != nil {
		r.logger.Error().Err(err).Str("room", key).Msg("failed to persist message")
		return types.NewError(types.CodeDeliveryFailed, fmt.Errorf("failed to persist message: %w", err))
	}
	metrics.MessagesPersisted.WithLabelValues(string(s.Identity.Kind)).Inc()

	// clientRef is the sender's local token; other members never see it.
	echo := *msg
	echo.ClientRef = req.ClientRef
	r.fanout(key, types.MessageEvent(msg), s.ConnectionID, types.MessageEvent(&echo))
	r.sessions.Touch(s.ConnectionID)
	return nil
}

// fanout delivers an event to every member of a room, giving the origin
// connection originEvent instead. A member that cannot take the event is
// evicted from the room. The caller holds the room lock.
func (r *Relay) fanout(key string, event types.OutboundEvent, origin string, originEvent types.OutboundEvent) {
	for _, peer := range r.peersExcept(r.index.Members(key), "") {
		e := event
		if peer.ID() == origin {
			e = originEvent
		}
		if err := peer.Send(e); err != nil {
			metrics.Deliveries.WithLabelValues(e.Event, "failed").Inc()
			r.logger.Warn().Err(err).
				Str("connection_id", peer.ID()).
				Str("room", key).
				Msg("delivery failed, evicting from room")
			r.evict(key, peer.ID())
			continue
		}
		metrics.Deliveries.WithLabelValues(e.Event, "ok").Inc()
	}
}

// evict returns a connection that missed a room event to UNJOINED so it never
// receives later messages after a gap. The caller holds the room lock.
func (r *Relay) evict(key, connID string) {
	if current, ok := r.index.RoomOf(connID); !ok || current != key {
		return
	}
	r.index.Remove(connID)

	s, err := r.sessions.Update(connID, func(s *session.Session) {
		if s.RoomKey == key {
			s.RoomKey = ""
			s.JoinedAt = time.Time{}
		}
	})
	if err != nil {
		return
	}
	r.presence.Left(s, r.peersExcept(r.index.Members(key), connID))
}

// Leave returns a joined connection to UNJOINED without closing it.
func (r *Relay) Leave(connID string) error {
	s, ok := r.sessions.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if !s.Joined() {
		return nil
	}
	r.leaveRoom(s)
	_, err := r.sessions.Leave(connID)
	return err
}

// Disconnect destroys the connection's session and announces its departure.
// It has no persisted side effects and is safe to call more than once.
func (r *Relay) Disconnect(connID string) {
	s, ok := r.sessions.Delete(connID)
	if !ok {
		return
	}
	if s.Joined() {
		r.leaveRoom(s)
	}

	r.peersMu.Lock()
	delete(r.peers, connID)
	r.peersMu.Unlock()

	metrics.ConnectionsActive.Dec()
	r.logger.Debug().Str("connection_id", connID).Msg("connection detached")
}

// leaveRoom unregisters the session from its room and tells the rest of the room.
func (r *Relay) leaveRoom(s session.Session) {
	unlock := r.locks.Lock(s.RoomKey)
	defer unlock()

	if r.index.Remove(s.ConnectionID) == "" {
		return
	}
	r.presence.Left(s, r.peersExcept(r.index.Members(s.RoomKey), s.ConnectionID))
}

// reportError sends a structured error event to the originating connection only.
func (r *Relay) reportError(connID string, err error) {
	code := types.CodeOf(err)
	metrics.Errors.WithLabelValues(code).Inc()

	peer, ok := r.peer(connID)
	if !ok {
		return
	}
	if sendErr := peer.Send(types.ErrorEvent(publicError(code, err))); sendErr != nil {
		r.logger.Debug().Err(sendErr).Str("connection_id", connID).Msg("failed to report error")
	}
}

// publicError hides storage details from clients.
func publicError(code string, err error) error {
	switch code {
	case types.CodeInternal:
		return errors.New("internal error")
	case types.CodeDeliveryFailed:
		return types.ErrDeliveryFailed
	default:
		return err
	}
}

// ReportError lets the transport surface its own failures (malformed frames,
// recovered panics) through the same error channel.
func (r *Relay) ReportError(connID string, err error) {
	r.reportError(connID, err)
}

func (r *Relay) peer(connID string) (interfaces.Peer, bool) {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	peer, ok := r.peers[connID]
	return peer, ok
}

func (r *Relay) peersExcept(ids []string, exclude string) []interfaces.Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()

	return lo.FilterMap(ids, func(id string, _ int) (interfaces.Peer, bool) {
		if id == exclude {
			return nil, false
		}
		peer, ok := r.peers[id]
		return peer, ok
	})
}

// Session returns a copy of a connection's session.
func (r *Relay) Session(connID string) (session.Session, bool) {
	return r.sessions.Get(connID)
}

// Stats returns connection and room statistics for health reporting.
func (r *Relay) Stats() map[string]int {
	stats := r.sessions.Stats()
	for k, v := range r.index.Stats() {
		stats[k] = v
	}
	return stats
}

func firstNonEmpty(values ...string) string {
	v, _ := lo.Find(values, func(s string) bool { return s != "" })
	return v
}
