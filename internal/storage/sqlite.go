package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
//
// dispatch_records rows are never deleted; they are the audit trail of every
// delivery attempt sequence. Partners are deactivated rather than deleted so
// that foreign references from the ledger stay resolvable.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partners (
  id                TEXT PRIMARY KEY,
  name              TEXT NOT NULL,
  destination_url   TEXT NOT NULL,
  shared_secret     TEXT NOT NULL,
  subscribed_events JSON NOT NULL DEFAULT '[]',
  active            INTEGER NOT NULL DEFAULT 1,
  created_at        TEXT NOT NULL,
  updated_at        TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dispatch_records (
  id               TEXT PRIMARY KEY,
  partner_id       TEXT NOT NULL REFERENCES partners(id),
  event_type       TEXT NOT NULL,
  transaction_id   TEXT,
  payload          JSON NOT NULL,
  destination_url  TEXT NOT NULL,
  signature        TEXT NOT NULL,
  status           TEXT NOT NULL,
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  max_attempts     INTEGER NOT NULL DEFAULT 3,
  http_status_code INTEGER,
  last_error       TEXT,
  next_retry_at    TEXT,
  created_at       TEXT NOT NULL,
  updated_at       TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS inbound_events (
  id             TEXT PRIMARY KEY,
  partner_id     TEXT NOT NULL,
  event_type     TEXT NOT NULL,
  transaction_id TEXT,
  payload        JSON NOT NULL,
  handled        INTEGER NOT NULL DEFAULT 0,
  received_at    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS partners_active_idx ON partners(active);`,
		`CREATE INDEX IF NOT EXISTS inbound_events_partner_idx ON inbound_events(partner_id, received_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_records_status_retry_idx ON dispatch_records(status, next_retry_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_records_partner_created_idx ON dispatch_records(partner_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
