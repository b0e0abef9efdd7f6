package model

import "time"

// StatusCounts is an aggregate count of zone statuses.
type StatusCounts struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Retrying   int `json:"retrying"`
}

// Add counts one zone in the given status.
func (c *StatusCounts) Add(s ZoneStatus) {
	c.Total++
	switch s {
	case ZoneStatusQueued:
		c.Queued++
	case ZoneStatusProcessing:
		c.Processing++
	case ZoneStatusCompleted:
		c.Completed++
	case ZoneStatusFailed:
		c.Failed++
	case ZoneStatusCancelled:
		c.Cancelled++
	case ZoneStatusRetrying:
		c.Retrying++
	}
}

// Active returns the number of zones that still block queue completion.
func (c StatusCounts) Active() int {
	return c.Queued + c.Processing + c.Retrying
}

// QueueMetrics is a read-only projection of the live zone set.
type QueueMetrics struct {
	Counts                StatusCounts        `json:"counts"`
	AverageWaitTime       time.Duration       `json:"average_wait_time_ns"`
	AverageProcessingTime time.Duration       `json:"average_processing_time_ns"`
	Throughput            float64             `json:"throughput_per_minute"`
	ErrorRate             float64             `json:"error_rate"`
	SuccessRate           float64             `json:"success_rate"`
	ProgressPercent       float64             `json:"progress_percent"`
	TotalAttempts         int                 `json:"total_attempts"`
	StartedAt             *time.Time          `json:"started_at,omitempty"`
	EstimatedCompletion   *time.Time          `json:"estimated_completion,omitempty"`
	Utilization           ResourceUtilization `json:"utilization"`
	DroppedEvents         int64               `json:"dropped_events"`
	UpdatedAt             time.Time           `json:"updated_at"`
}
