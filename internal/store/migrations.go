package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema contains the DDL of the history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      INTEGER NOT NULL,
		instance_id  INTEGER NOT NULL,
		outcome      TEXT NOT NULL,
		exit_code    INTEGER NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		env_id       TEXT NOT NULL DEFAULT '',
		cpus         TEXT NOT NULL DEFAULT '[]',
		started_at   TEXT,
		finished_at  TEXT NOT NULL,
		duration_ns  INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
