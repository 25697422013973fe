// Package storage opens the SQLite database that holds run history.
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

// DatabaseFile is the history database name inside the state directory.
const DatabaseFile = "gantry.db"

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the history tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := RequireLocalFilesystem(path, "database"); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single connection: API readers and run writers share it
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id            TEXT PRIMARY KEY,
  branch        TEXT NOT NULL,
  status        TEXT NOT NULL,
  phase         TEXT NOT NULL,
  config_error  TEXT,
  notify_event  TEXT,
  suppressed    INTEGER NOT NULL DEFAULT 0,
  started_at    TEXT NOT NULL,
  finished_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_results (
  run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  idx            INTEGER NOT NULL,
  name           TEXT NOT NULL,
  status         TEXT NOT NULL,
  error          TEXT,
  deploy         TEXT NOT NULL,
  deploy_error   TEXT,
  workspace      TEXT,
  kept_workspace INTEGER NOT NULL DEFAULT 0,
  started_at     TEXT,
  finished_at    TEXT,
  PRIMARY KEY (run_id, idx)
);`,
		`CREATE TABLE IF NOT EXISTS step_results (
  run_id        TEXT NOT NULL,
  job_idx       INTEGER NOT NULL,
  idx           INTEGER NOT NULL,
  deploy        INTEGER NOT NULL DEFAULT 0,
  command       TEXT NOT NULL,
  exit_code     INTEGER NOT NULL,
  timed_out     INTEGER NOT NULL DEFAULT 0,
  stdout        TEXT,
  stderr        TEXT,
  truncated     INTEGER NOT NULL DEFAULT 0,
  output_ref    TEXT,
  output_digest TEXT,
  error         TEXT,
  started_at    TEXT,
  finished_at   TEXT,
  PRIMARY KEY (run_id, job_idx, deploy, idx),
  FOREIGN KEY (run_id, job_idx) REFERENCES job_results(run_id, idx) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS runs_branch_finished_at_idx ON runs(branch, finished_at);`,
		`CREATE INDEX IF NOT EXISTS runs_finished_at_idx ON runs(finished_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
