package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all snapshot tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		id         TEXT PRIMARY KEY,
		queue_id   TEXT NOT NULL,
		label      TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		metrics    TEXT NOT NULL DEFAULT '{}',
		zones      TEXT NOT NULL DEFAULT '[]',
		workers    TEXT NOT NULL DEFAULT '[]',
		zone_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_snapshots_queue_id ON snapshots(queue_id)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_status ON snapshots(status)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_label ON snapshots(label)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON snapshots(created_at)`,
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
