package model

import "time"

// Snapshot is a point-in-time copy of one queue, persisted for later
// inspection.
type Snapshot struct {
	ID        string       `json:"id"`
	QueueID   string       `json:"queue_id"`
	Label     string       `json:"label,omitempty"`
	Status    QueueStatus  `json:"status"`
	Metrics   QueueMetrics `json:"metrics"`
	Zones     []QueuedZone `json:"zones"`
	Workers   []Worker     `json:"workers"`
	CreatedAt time.Time    `json:"created_at"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	Status string // Optional queue status filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
