// Package persistence is the durable store for sessions, context history,
// recovery checkpoints, and lifecycle events, backed by SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ctxvault/ctxvault/internal/bus"
)

const (
	// v1 schema: sessions, context_history, recovery_checkpoints, lifecycle_events, kv_store.
	schemaVersionV1  = 1
	schemaChecksumV1 = "cv-v1-2026-07-03-resilience-core"

	// v2 schema: adds recovery_backups for pre-recovery exports.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cv-v2-2026-07-18-recovery-backups"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Sentinel errors surfaced to the lifecycle and recovery layers.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrDuplicateSessionKey = errors.New("session key already exists")
	ErrSessionArchived     = errors.New("session is archived and read-only")
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrInvalidTransition   = errors.New("invalid session status transition")
)

// SessionStatus is the outcome axis of a session's lifecycle. The storage
// tier (dormant/archived) is tracked on orthogonal fields.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
	StatusFailed    SessionStatus = "failed"
)

var allowedStatusTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	StatusPending: {
		StatusActive:  {},
		StatusExpired: {},
	},
	StatusActive: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusExpired:   {},
	},
	// completed, expired, failed are terminal on the status axis.
}

// ValidStatusTransition reports whether from → to is an allowed transition.
func ValidStatusTransition(from, to SessionStatus) bool {
	next, ok := allowedStatusTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ContextType classifies one context history entry.
type ContextType string

const (
	ContextTypeMessage  ContextType = "message"
	ContextTypeFile     ContextType = "file"
	ContextTypeToolCall ContextType = "tool_call"
	ContextTypeSystem   ContextType = "system"
)

// Store wraps the SQLite handle and publishes row-change events on the bus.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctxvault", "ctxvault.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Upgrading from an earlier schema. Validate the checksum of the version
	// we are upgrading from.
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	} else if maxVersion != 0 {
		return fmt.Errorf("db schema version %d is older than supported minimum %d", maxVersion, schemaVersionV1)
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL UNIQUE,
			agent_from TEXT NOT NULL,
			agent_to TEXT,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'active', 'completed', 'expired', 'failed')),
			metadata JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_dormant INTEGER NOT NULL DEFAULT 0,
			archived_at DATETIME,
			retention_policy TEXT NOT NULL DEFAULT 'standard'
		);`,
		`CREATE TABLE IF NOT EXISTS context_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			sequence_number INTEGER NOT NULL,
			context_type TEXT NOT NULL CHECK(context_type IN ('message', 'file', 'tool_call', 'system')),
			content TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, sequence_number)
		);`,
		`CREATE TABLE IF NOT EXISTS recovery_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			checkpoint_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			session_state JSON NOT NULL,
			context_snapshot JSON NOT NULL DEFAULT '[]',
			metadata JSON NOT NULL DEFAULT '{}',
			data_integrity JSON NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, checkpoint_id)
		);`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSON NOT NULL DEFAULT '{}',
			trace_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: pre-recovery exports of live session + context rows.
		`CREATE TABLE IF NOT EXISTS recovery_backups (
			backup_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			session_state JSON NOT NULL,
			context_snapshot JSON NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at) WHERE expires_at IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);`,
		`CREATE INDEX IF NOT EXISTS idx_context_session ON context_history(session_id, sequence_number);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON recovery_checkpoints(session_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON recovery_checkpoints(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON lifecycle_events(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON lifecycle_events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_backups_created ON recovery_backups(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum)
		VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// KVSet stores a small state value (degradation breaker state, sweep cursors).
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// KVGet returns the stored value for key, or "" when absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}
	return val, nil
}
