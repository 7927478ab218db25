// Package api exposes the relay over HTTP: the websocket endpoint, health,
// metrics and the owner conversation listing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// StatsProvider reports live connection statistics.
type StatsProvider interface {
	Stats() map[string]int
}

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Store          interfaces.MessageStore
	Directory      interfaces.BusinessDirectory
	Resolver       interfaces.IdentityResolver
	Stats          StatsProvider
	WebSocket      http.Handler
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// Server routes HTTP requests. It holds no chat logic of its own.
type Server struct {
	deps    Deps
	router  chi.Router
	logger  zerolog.Logger
	started time.Time
}

// NewServer builds the router
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		router:  chi.NewRouter(),
		logger:  deps.Logger.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: lo.Ternary(len(s.deps.AllowedOrigins) > 0, s.deps.AllowedOrigins, []string{"*"}),
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.healthCheck)
	r.Handle("/metrics", promhttp.Handler())
	if s.deps.WebSocket != nil {
		r.Handle("/ws", s.deps.WebSocket)
	}
	r.Get("/api/businesses/{businessID}/conversations", s.listConversations)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Store       string         `json:"store"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Store:     "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Store = "error: " + err.Error()
	}
	if s.deps.Stats != nil {
		response.Connections = s.deps.Stats.Stats()
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, status, response)
}

// listConversations returns every visitor thread of a business to its owner.
func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	identity, err := s.deps.Resolver.Resolve(r)
	if err != nil {
		s.sendError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	if !identity.IsOwner() {
		s.sendError(w, "Only business owners can list conversations", http.StatusForbidden)
		return
	}

	businessID := chi.URLParam(r, "businessID")
	if !types.IsValidID(businessID) {
		s.sendError(w, "Invalid business id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	exists, err := s.deps.Directory.Exists(ctx, businessID)
	if err != nil {
		s.internalError(w, err, "business lookup failed")
		return
	}
	if !exists {
		s.sendError(w, "Business not found", http.StatusNotFound)
		return
	}
	owned, err := s.deps.Directory.IsOwnedBy(ctx, businessID, identity.ID)
	if err != nil {
		s.internalError(w, err, "ownership lookup failed")
		return
	}
	if !owned {
		s.sendError(w, "Business not owned by caller", http.StatusForbidden)
		return
	}

	messages, err := s.deps.Store.ListByBusiness(ctx, businessID)
	if err != nil {
		s.internalError(w, err, "failed to list messages")
		return
	}

	s.sendJSON(w, http.StatusOK, GroupConversations(messages))
}

// GroupConversations groups messages into one conversation per visitor,
// most recently active first. Messages within a conversation keep their order.
// FUNCTIONAL DISCOVERY: Threads are opened by visitors, so the first message's
// author names the visitor.
func GroupConversations(messages []*types.Message) []types.Conversation {
	grouped := lo.GroupBy(messages, func(m *types.Message) string { return m.VisitorID })

	conversations := lo.MapToSlice(grouped, func(visitorID string, thread []*types.Message) types.Conversation {
		return types.Conversation{
			VisitorID:   visitorID,
			VisitorName: thread[0].From,
			Messages:    thread,
		}
	})

	sort.Slice(conversations, func(i, j int) bool {
		a := lo.LastOrEmpty(conversations[i].Messages)
		b := lo.LastOrEmpty(conversations[j].Messages)
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return conversations[i].VisitorID < conversations[j].VisitorID
	})
	return conversations
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	if errors.Is(err, context.Canceled) {
		return
	}
	s.sendError(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
