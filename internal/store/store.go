// Package store persists queue snapshots.
package store

import (
	"context"

	"github.com/me/zoneq/pkg/model"
)

// Store defines the persistence layer for queue snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	// GetSnapshot returns nil, nil when the snapshot does not exist.
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	// ListSnapshots returns snapshot headers, newest first, without zones
	// or workers, plus the total matching count.
	ListSnapshots(ctx context.Context, opts model.ListOptions) ([]*model.Snapshot, int, error)
	DeleteSnapshot(ctx context.Context, id string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
