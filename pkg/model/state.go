package model

// ZoneStatus represents the lifecycle state of a QueuedZone.
type ZoneStatus string

const (
	ZoneStatusQueued     ZoneStatus = "queued"
	ZoneStatusProcessing ZoneStatus = "processing"
	ZoneStatusCompleted  ZoneStatus = "completed"
	ZoneStatusFailed     ZoneStatus = "failed"
	ZoneStatusCancelled  ZoneStatus = "cancelled"
	ZoneStatusRetrying   ZoneStatus = "retrying"
)

// String returns the string representation of the zone status.
func (s ZoneStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the zone is in a final state.
func (s ZoneStatus) IsTerminal() bool {
	switch s {
	case ZoneStatusCompleted, ZoneStatusFailed, ZoneStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the zone still counts towards queue completion.
func (s ZoneStatus) IsActive() bool {
	switch s {
	case ZoneStatusQueued, ZoneStatusProcessing, ZoneStatusRetrying:
		return true
	}
	return false
}

// ValidZoneTransitions defines the allowed state transitions for zones.
// failed → queued exists only for an explicit manual retry.
var ValidZoneTransitions = map[ZoneStatus][]ZoneStatus{
	ZoneStatusQueued:     {ZoneStatusProcessing, ZoneStatusCancelled, ZoneStatusFailed},
	ZoneStatusProcessing: {ZoneStatusCompleted, ZoneStatusRetrying, ZoneStatusFailed, ZoneStatusCancelled},
	ZoneStatusRetrying:   {ZoneStatusQueued, ZoneStatusCancelled},
	ZoneStatusFailed:     {ZoneStatusQueued},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s ZoneStatus) CanTransitionTo(next ZoneStatus) bool {
	for _, allowed := range ValidZoneTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QueueStatus represents the lifecycle state of the whole queue.
type QueueStatus string

const (
	QueueStatusIdle      QueueStatus = "idle"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusPaused    QueueStatus = "paused"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusCancelled QueueStatus = "cancelled"
)

// String returns the string representation of the queue status.
func (s QueueStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the queue will not dispatch again without new work.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusCancelled:
		return true
	}
	return false
}

// ValidQueueTransitions defines the allowed state transitions for the queue.
// A completed queue becomes running again when more zones are enqueued.
var ValidQueueTransitions = map[QueueStatus][]QueueStatus{
	QueueStatusIdle:      {QueueStatusRunning, QueueStatusPaused, QueueStatusCancelled},
	QueueStatusRunning:   {QueueStatusPaused, QueueStatusCompleted, QueueStatusCancelled},
	QueueStatusPaused:    {QueueStatusRunning, QueueStatusCancelled},
	QueueStatusCompleted: {QueueStatusRunning},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s QueueStatus) CanTransitionTo(next QueueStatus) bool {
	for _, allowed := range ValidQueueTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
