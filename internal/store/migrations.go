package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		label      TEXT NOT NULL DEFAULT '',
		config     TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at   TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS compile_records (
		run_id       TEXT NOT NULL REFERENCES runs(id),
		task_id      INTEGER NOT NULL,
		unit_id      INTEGER NOT NULL,
		unit_name    TEXT NOT NULL,
		tier         INTEGER NOT NULL,
		entry        TEXT NOT NULL,
		reason       TEXT NOT NULL,
		blocking     INTEGER NOT NULL DEFAULT 0,
		state        TEXT NOT NULL,
		failure      TEXT NOT NULL DEFAULT '',
		released_by  TEXT NOT NULL,
		code_size    INTEGER NOT NULL DEFAULT 0,
		enqueued_at  TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT NOT NULL,
		PRIMARY KEY (run_id, task_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_records_state ON compile_records(run_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_records_unit ON compile_records(unit_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
