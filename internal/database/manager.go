package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/types"
)

// Manager is the SQLite message store and business directory.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	// Owned by writeLoop. lastCreated holds the newest createdAt per business.
	lastCreated map[string]int64
	entropy     io.Reader
	now         func() time.Time
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		lastCreated:  make(map[string]int64),
		entropy:      ulid.Monotonic(rand.Reader, 0),
		now:          time.Now,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	// and is the one place where ids and timestamps are assigned.
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
// FUNCTIONAL DISCOVERY: Writes are never retried. A failed append is reported
// once and the caller decides; a retry could persist a message nobody saw fail.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			err := op.operation(m.db)
			if err != nil {
				m.logger.Error().Err(err).Msg("database write failed")
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWriteTimeout, ctx.Err())
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// TECHNICAL DISCOVERY: Once queued, wait for the writer's verdict so the caller
	// never reports failure for a row that was in fact committed.
	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// Append persists one message and returns it with its assigned id and createdAt.
func (m *Manager) Append(ctx context.Context, businessID, visitorID, from, text string) (*types.Message, error) {
	defer observe("append", time.Now())

	var message *types.Message
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		createdAt, err := m.nextCreatedAt(ctx, db, businessID)
		if err != nil {
			return err
		}

		id, err := ulid.New(ulid.Timestamp(time.Unix(0, createdAt)), m.entropy)
		if err != nil {
			return fmt.Errorf("failed to generate message id: %w", err)
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO messages (id, business_id, visitor_id, from_name, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id.String(), businessID, visitorID, from, text, createdAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		m.lastCreated[businessID] = createdAt
		message = &types.Message{
			ID:         id.String(),
			BusinessID: businessID,
			VisitorID:  visitorID,
			From:       from,
			Text:       text,
			CreatedAt:  time.Unix(0, createdAt).UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

// nextCreatedAt returns a server timestamp strictly after the newest one
// already stored for the business. Runs on the writer goroutine only.
func (m *Manager) nextCreatedAt(ctx context.Context, db *sql.DB, businessID string) (int64, error) {
	last, ok := m.lastCreated[businessID]
	if !ok {
		var stored sql.NullInt64
		err := db.QueryRowContext(ctx,
			"SELECT MAX(created_at) FROM messages WHERE business_id = ?", businessID,
		).Scan(&stored)
		if err != nil {
			return 0, fmt.Errorf("failed to read latest timestamp: %w", err)
		}
		last = stored.Int64
	}

	now := m.now().UnixNano()
	if now <= last {
		now = last + 1
	}
	return now, nil
}

// ListByRoom returns the messages of one conversation in ascending createdAt order.
func (m *Manager) ListByRoom(ctx context.Context, businessID, visitorID string) ([]*types.Message, error) {
	defer observe("list_room", time.Now())

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, business_id, visitor_id, from_name, text, created_at
		FROM messages
		WHERE business_id = ? AND visitor_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, businessID, visitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	return scanMessages(rows)
}

// ListByBusiness returns every message of a business in ascending createdAt order.
func (m *Manager) ListByBusiness(ctx context.Context, businessID string) ([]*types.Message, error) {
	defer observe("list_business", time.Now())

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, business_id, visitor_id, from_name, text, created_at
		FROM messages
		WHERE business_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to query business messages: %w", err)
	}
	return scanMessages(rows)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func scanMessages(rows *sql.Rows) ([]*types.Message, error) {
	defer func() { _ = rows.Close() }()

	messages := make([]*types.Message, 0)
	for rows.Next() {
		var message types.Message
		var createdAt int64
		if err := rows.Scan(
			&message.ID,
			&message.BusinessID,
			&message.VisitorID,
			&message.From,
			&message.Text,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		message.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, &message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// Exists reports whether the business is listed in the directory.
func (m *Manager) Exists(ctx context.Context, businessID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, "SELECT 1 FROM businesses WHERE id = ?", businessID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query business: %w", err)
	}
	return true, nil
}

// IsOwnedBy reports whether ownerID owns the business. Unknown businesses are owned by nobody.
func (m *Manager) IsOwnedBy(ctx context.Context, businessID, ownerID string) (bool, error) {
	var owner sql.NullString
	err := m.db.QueryRowContext(ctx, "SELECT owner_id FROM businesses WHERE id = ?", businessID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query business owner: %w", err)
	}
	return owner.Valid && owner.String != "" && owner.String == ownerID, nil
}

// PutBusiness inserts or replaces a directory entry. The listing service owns
// this table in production; the relay only writes it for seeding.
func (m *Manager) PutBusiness(ctx context.Context, businessID, ownerID, name string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO businesses (id, owner_id, name) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name
		`, businessID, ownerID, name)
		if err != nil {
			return fmt.Errorf("failed to upsert business: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM businesses").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
