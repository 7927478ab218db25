package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/identity"
	"chatrelay/internal/redisstore"
	"chatrelay/internal/relay"
	"chatrelay/internal/websocket"
	"chatrelay/pkg/interfaces"
	pkgdatabase "chatrelay/pkg/database"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	dbManager  *database.Manager
	store      interfaces.MessageStore
	resolver   *identity.JWTResolver
	relay      *relay.Relay
	registry   *websocket.Registry
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// OpenDatabase opens the SQLite database and brings its schema up to date.
func OpenDatabase(cfg *config.Config, logger zerolog.Logger) (*database.Manager, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteTimeout = cfg.Database.Timeout

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB()).ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	return dbManager, nil
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Store → Identity → Relay → WebSocket → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Database holds the business directory and, by default, the messages
	dbManager, err := OpenDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", cfg.Database.Path).Msg("database ready")

	// STEP 2: Message store
	var store interfaces.MessageStore = dbManager
	if cfg.Store.Driver == config.DriverRedis {
		redisStore, err := redisstore.New(ctx, cfg.Store.RedisURL, logger)
		if err != nil {
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to connect message store: %w", err)
		}
		store = redisStore
	}
	logger.Info().Str("driver", cfg.Store.Driver).Msg("message store ready")

	// STEP 3: Identity
	if cfg.Auth.Secret == config.DevelopmentSecret {
		logger.Warn().Msg("using the development token secret; set CHATRELAY_AUTH_SECRET in production")
	}
	resolver, err := identity.NewJWTResolver(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		closeStores(dbManager, store)
		return nil, fmt.Errorf("failed to initialize identity resolver: %w", err)
	}

	// STEP 4: Relay core
	chatRelay := relay.New(store, dbManager, relay.Options{
		RateLimit:       cfg.Relay.RateLimit,
		RateWindow:      cfg.Relay.RateWindow,
		JanitorInterval: cfg.Relay.JanitorInterval,
	}, logger)

	// STEP 5: WebSocket transport
	registry := websocket.NewRegistry()
	wsHandler := websocket.NewHandler(chatRelay, resolver, registry, websocket.HandlerConfig{
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBuffer:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, logger)

	// STEP 6: HTTP surface
	apiServer := api.NewServer(api.Deps{
		Store:          store,
		Directory:      dbManager,
		Resolver:       resolver,
		Stats:          chatRelay,
		WebSocket:      wsHandler,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})

	// TECHNICAL DISCOVERY: No server WriteTimeout; it would cut hijacked
	// websocket connections, which manage their own deadlines.
	httpServer := &http.Server{
		Addr:        cfg.HTTP.Addr(),
		Handler:     apiServer,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.With().Str("component", "app").Logger(),
		dbManager:  dbManager,
		store:      store,
		resolver:   resolver,
		relay:      chatRelay,
		registry:   registry,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func closeStores(dbManager *database.Manager, store interfaces.MessageStore) {
	if store != interfaces.MessageStore(dbManager) {
		_ = store.Close()
	}
	_ = dbManager.Close()
}

// Start begins application execution
// The relay starts first so it can accept sessions, then the listener opens.
func (app *Application) Start(ctx context.Context) error {
	if err := app.relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.relay.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	app.logger.Info().Str("addr", listener.Addr().String()).Msg("chatrelay started")
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → sockets → relay → stores
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// FUNCTIONAL DISCOVERY: Shutdown does not track hijacked connections, so close them explicitly
	app.registry.CloseAll()

	if err := app.relay.Stop(); err != nil && !errors.Is(err, relay.ErrRelayNotRunning) {
		errs = append(errs, fmt.Errorf("relay stop: %w", err))
	}

	if app.store != interfaces.MessageStore(app.dbManager) {
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("message store close: %w", err))
		}
	}
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}

	app.logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listen address once started, else the configured one.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the full HTTP surface, mainly for tests.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Relay returns the chat core
func (app *Application) Relay() *relay.Relay {
	return app.relay
}

// Database returns the SQLite manager holding the business directory.
func (app *Application) Database() *database.Manager {
	return app.dbManager
}

// Resolver returns the token resolver, which also mints tokens.
func (app *Application) Resolver() *identity.JWTResolver {
	return app.resolver
}
