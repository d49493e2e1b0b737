// Package store provides the durable SQLite backing store for the execution
// memory subsystem.
//
// Every entity lives in one table and reads are single-round-trip: bounded
// list fields (task history, corrections, workflows) are serialized JSON
// columns, not normalized child tables. Timestamps are Unix milliseconds so
// sub-second TTLs behave correctly.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Config configures the durable store.
type Config struct {
	// Path is the SQLite database path, or ":memory:" for tests.
	Path string `koanf:"path"`

	// BusyTimeout bounds how long a writer waits on a locked database.
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Path:        "agentmem.db",
		BusyTimeout: 5 * time.Second,
	}
}

// Store wraps the SQLite connection shared by all services.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the database, verifies connectivity, and creates the schema.
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each pooled connection to ":memory:" would get its own database, so
	// in-memory stores are pinned to a single connection.
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("durable store opened", zap.String("path", cfg.Path))
	return s, nil
}

// initSchema creates all tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS memory_entries (
			tenant_scope TEXT NOT NULL,
			session_key  TEXT NOT NULL,
			entry_key    TEXT NOT NULL,
			value        TEXT NOT NULL,
			metadata     TEXT DEFAULT '{}',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			expires_at   INTEGER,
			PRIMARY KEY (tenant_scope, session_key, entry_key)
		);
		CREATE INDEX IF NOT EXISTS idx_memory_expires ON memory_entries(expires_at);

		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id     TEXT PRIMARY KEY,
			execution_id      TEXT NOT NULL,
			tenant_id         TEXT NOT NULL,
			phase_id          TEXT,
			phase_name        TEXT,
			step_index        INTEGER DEFAULT 0,
			completed_steps   TEXT DEFAULT '[]',
			completed_phases  TEXT DEFAULT '[]',
			partial_results   TEXT DEFAULT '{}',
			extracted_data    TEXT DEFAULT '{}',
			session_state     TEXT DEFAULT '{}',
			browser_context   TEXT DEFAULT '{}',
			error_info        TEXT,
			checkpoint_reason TEXT NOT NULL,
			can_resume        INTEGER DEFAULT 1,
			resume_count      INTEGER DEFAULT 0,
			created_at        INTEGER NOT NULL,
			expires_at        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON checkpoints(execution_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_expires ON checkpoints(expires_at);

		CREATE TABLE IF NOT EXISTS reasoning_patterns (
			pattern_id   TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			domain       TEXT NOT NULL,
			pattern_text TEXT NOT NULL,
			result       TEXT NOT NULL,
			context      TEXT,
			confidence   REAL NOT NULL,
			usage_count  INTEGER DEFAULT 0,
			success_rate REAL DEFAULT 1.0,
			tags         TEXT DEFAULT '[]',
			metadata     TEXT DEFAULT '{}',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			last_used_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_domain ON reasoning_patterns(tenant_id, domain);
		CREATE INDEX IF NOT EXISTS idx_patterns_success ON reasoning_patterns(success_rate, usage_count);

		CREATE TABLE IF NOT EXISTS task_patterns (
			pattern_id          TEXT PRIMARY KEY,
			tenant_id           TEXT NOT NULL,
			user_id             TEXT NOT NULL,
			task_type           TEXT NOT NULL,
			successful_approach TEXT DEFAULT '{}',
			selectors           TEXT DEFAULT '{}',
			workflow            TEXT DEFAULT '[]',
			context_conditions  TEXT DEFAULT '{}',
			avg_execution_ms    INTEGER,
			confidence          REAL NOT NULL,
			usage_count         INTEGER DEFAULT 0,
			success_rate        REAL DEFAULT 1.0,
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL,
			last_used_at        INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_task_patterns_user ON task_patterns(tenant_id, user_id, task_type);

		CREATE TABLE IF NOT EXISTS user_profiles (
			tenant_id         TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			preferences       TEXT DEFAULT '{}',
			task_history      TEXT DEFAULT '[]',
			learned_selectors TEXT DEFAULT '{}',
			user_corrections  TEXT DEFAULT '[]',
			stats             TEXT DEFAULT '{}',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS feedback (
			feedback_id        TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			user_id            TEXT NOT NULL,
			execution_id       TEXT,
			feedback_type      TEXT NOT NULL,
			original_action    TEXT DEFAULT '{}',
			corrected_action   TEXT,
			context            TEXT,
			sentiment          TEXT,
			impact             TEXT,
			processed          INTEGER DEFAULT 0,
			applied_to_pattern INTEGER DEFAULT 0,
			created_at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_unprocessed ON feedback(processed, tenant_id, user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// DB exposes the underlying connection to the service layer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the store is reachable. Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NowMillis returns the current time in Unix milliseconds, the timestamp unit
// used across all tables.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
