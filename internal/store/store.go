// Package store is the durable relational state store for the control plane:
// users, agents, ownership, sharing, permission edges, schedules, executions,
// activities, chat sessions, and API keys.
//
// Executions and activities are append-mostly: the only in-place updates are
// execution status transitions and activity completion seals.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a uniqueness constraint is violated.
var ErrAlreadyExists = errors.New("already exists")

// Store wraps the relational database. Driver is "sqlite3" or "pgx"; all
// queries are written with ? placeholders and rebound per driver.
type Store struct {
	db *sqlx.DB
}

// New wraps an open database connection and initializes the schema.
func New(dbConn *sql.DB, driverName string) (*Store, error) {
	s := &Store{db: sqlx.NewDb(dbConn, driverName)}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for callers composing transactions.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn within a transaction. Cross-entity mutations (execution
// plus its triggering activity, agent plus its permission edges) go through
// here so they commit or roll back together.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) initSchema() error {
	autoinc := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.DriverName() == "pgx" {
		autoinc = "BIGSERIAL PRIMARY KEY"
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			scope TEXT NOT NULL,
			user_id TEXT,
			agent_name TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			template TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			api_key_mode TEXT NOT NULL DEFAULT 'platform',
			capability_profile TEXT NOT NULL DEFAULT 'restricted',
			cpus REAL NOT NULL DEFAULT 1,
			memory_mb INTEGER NOT NULL DEFAULT 1024,
			read_only BOOLEAN NOT NULL DEFAULT FALSE,
			autonomy_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			expose_folder BOOLEAN NOT NULL DEFAULT FALSE,
			consume_folders TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			orphaned BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT 'created',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_shares (
			agent_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (agent_name, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS permission_edges (
			source_agent TEXT NOT NULL,
			target_agent TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (source_agent, target_agent)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schedules (
			id %s,
			agent_name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			message TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			parallel BOOLEAN NOT NULL DEFAULT FALSE,
			last_run_at TIMESTAMP,
			next_run_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, autoinc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS executions (
			id %s,
			agent_name TEXT NOT NULL,
			schedule_id INTEGER,
			message TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			source_agent TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			queue_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0,
			transcript TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`, autoinc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS activities (
			id %s,
			agent_name TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'started',
			triggered_by TEXT NOT NULL,
			parent_activity_id INTEGER,
			related_execution_id INTEGER,
			chat_message_id INTEGER,
			details TEXT NOT NULL DEFAULT '{}',
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`, autoinc),
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (agent_name, user_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chat_messages (
			id %s,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			cost REAL NOT NULL DEFAULT 0,
			context_tokens INTEGER NOT NULL DEFAULT 0,
			tool_calls TEXT NOT NULL DEFAULT '[]',
			execution_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`, autoinc),
		`CREATE INDEX IF NOT EXISTS idx_activities_agent_created ON activities (agent_name, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_type ON activities (activity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_parent ON activities (parent_activity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_execution ON activities (related_execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_agent_created ON executions (agent_name, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (enabled, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON permission_edges (source_agent)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_scope ON api_keys (scope)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func splitColumns(columns string) []string {
	raw := strings.Split(columns, ",")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func joinColumns(parts []string) string {
	return strings.Join(parts, ", ")
}

// mapRowErr converts sql.ErrNoRows to ErrNotFound.
func mapRowErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
