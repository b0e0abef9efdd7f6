package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/zoneq/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// SaveSnapshot inserts or replaces a snapshot. An empty ID is assigned a
// "snap_" UUID and a zero CreatedAt is set to now.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap.ID == "" {
		snap.ID = "snap_" + uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	s.logger.Debug("sql", "op", "upsert", "table", "snapshots", "id", snap.ID)

	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	zones := snap.Zones
	if zones == nil {
		zones = []model.QueuedZone{}
	}
	zonesJSON, err := json.Marshal(zones)
	if err != nil {
		return fmt.Errorf("marshal zones: %w", err)
	}
	workers := snap.Workers
	if workers == nil {
		workers = []model.Worker{}
	}
	workersJSON, err := json.Marshal(workers)
	if err != nil {
		return fmt.Errorf("marshal workers: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (id, queue_id, label, status, metrics, zones, workers, zone_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.QueueID, snap.Label, string(snap.Status),
		string(metricsJSON), string(zonesJSON), string(workersJSON), len(zones),
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetSnapshot loads one snapshot with its zones and workers.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	s.logger.Debug("sql", "op", "select", "table", "snapshots", "id", id)

	var snap model.Snapshot
	var status, metricsJSON, zonesJSON, workersJSON, createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, queue_id, label, status, metrics, zones, workers, created_at
		 FROM snapshots WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.QueueID, &snap.Label, &status, &metricsJSON, &zonesJSON, &workersJSON, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap.Status = model.QueueStatus(status)
	if err := json.Unmarshal([]byte(metricsJSON), &snap.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(zonesJSON), &snap.Zones); err != nil {
		return nil, fmt.Errorf("unmarshal zones: %w", err)
	}
	if err := json.Unmarshal([]byte(workersJSON), &snap.Workers); err != nil {
		return nil, fmt.Errorf("unmarshal workers: %w", err)
	}
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &snap, nil
}

// ListSnapshots returns snapshot headers with metrics, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, opts model.ListOptions) ([]*model.Snapshot, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "snapshots", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var args []any
	if opts.Status != "" {
		whereSQL = " WHERE status = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue_id, label, status, metrics, created_at
		 FROM snapshots`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var snaps []*model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		var status, metricsJSON, createdAt string
		if err := rows.Scan(&snap.ID, &snap.QueueID, &snap.Label, &status, &metricsJSON, &createdAt); err != nil {
			return nil, 0, err
		}
		snap.Status = model.QueueStatus(status)
		if err := json.Unmarshal([]byte(metricsJSON), &snap.Metrics); err != nil {
			return nil, 0, fmt.Errorf("unmarshal metrics for %s: %w", snap.ID, err)
		}
		snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		snaps = append(snaps, &snap)
	}
	return snaps, total, rows.Err()
}

// DeleteSnapshot removes a snapshot. Deleting a missing snapshot is not an
// error.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "snapshots", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	return err
}
