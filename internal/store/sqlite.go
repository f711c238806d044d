// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, enables WAL and creates the ledger schema

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Stored timestamps are fixed-width UTC so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed; ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS histories (
			request_id  TEXT PRIMARY KEY,
			agent       TEXT NOT NULL,
			workspace   TEXT NOT NULL,
			environment TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			ended_at    TEXT,
			saved_at    TEXT NOT NULL,

			CHECK (status IN ('running', 'success', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_histories_start ON histories(started_at DESC);

		CREATE TABLE IF NOT EXISTS history_events (
			request_id      TEXT NOT NULL REFERENCES histories(request_id) ON DELETE CASCADE,
			position        INTEGER NOT NULL,
			event_id        TEXT NOT NULL,
			name            TEXT NOT NULL,
			type            TEXT NOT NULL,
			sub_function    TEXT,
			parameters_json TEXT,
			started_at      TEXT NOT NULL,
			ended_at        TEXT,
			status          TEXT NOT NULL,
			error           TEXT,

			PRIMARY KEY (request_id, position),
			CHECK (type IN ('agent', 'function')),
			CHECK (status IN ('running', 'success', 'failed'))
		);

		CREATE TABLE IF NOT EXISTS request_usage (
			id            TEXT PRIMARY KEY,
			request_id    TEXT NOT NULL,
			agent         TEXT NOT NULL,
			provider      TEXT NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			model_calls   INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_request_usage_request ON request_usage(request_id);
		CREATE INDEX IF NOT EXISTS idx_request_usage_created ON request_usage(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
