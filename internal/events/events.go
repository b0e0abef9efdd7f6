// Package events defines queue lifecycle events and the notifier that fans
// them out to listeners.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/me/zoneq/pkg/model"
)

// Type tags an Event.
type Type string

const (
	ZonesAdded              Type = "zones_added"
	ProcessingStarted       Type = "processing_started"
	ProcessingPaused        Type = "processing_paused"
	ProcessingResumed       Type = "processing_resumed"
	ProcessingCancelled     Type = "processing_cancelled"
	ProcessingCompleted     Type = "processing_completed"
	ProcessingError         Type = "processing_error"
	ZoneProcessingStarted   Type = "zone_processing_started"
	ZoneProcessingCompleted Type = "zone_processing_completed"
	ZoneProcessingFailed    Type = "zone_processing_failed"
	ZoneRetryScheduled      Type = "zone_retry_scheduled"
	ZoneRetryRequested      Type = "zone_retry_requested"
)

// AllTypes lists every event type in lifecycle order.
var AllTypes = []Type{
	ZonesAdded, ProcessingStarted, ProcessingPaused, ProcessingResumed,
	ProcessingCancelled, ProcessingCompleted, ProcessingError,
	ZoneProcessingStarted, ZoneProcessingCompleted, ZoneProcessingFailed,
	ZoneRetryScheduled, ZoneRetryRequested,
}

// IsZoneEvent reports whether the event concerns a single zone.
func (t Type) IsZoneEvent() bool {
	switch t {
	case ZoneProcessingStarted, ZoneProcessingCompleted, ZoneProcessingFailed,
		ZoneRetryScheduled, ZoneRetryRequested:
		return true
	}
	return false
}

// Event is a lifecycle notification. Fields beyond Type, QueueID and
// Timestamp are set only when meaningful for the type.
type Event struct {
	Type      Type      `json:"type"`
	QueueID   string    `json:"queue_id"`
	Timestamp time.Time `json:"timestamp"`

	// Zone-scoped fields.
	QueuedZoneID string `json:"queued_zone_id,omitempty"`
	ZoneID       string `json:"zone_id,omitempty"`
	WorkerID     string `json:"worker_id,omitempty"`
	Tool         string `json:"tool,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`

	// zone_processing_failed: FinalFailure is false when a retry follows.
	FinalFailure bool                  `json:"final_failure,omitempty"`
	Error        *model.ExecutionError `json:"error,omitempty"`

	// zone_retry_scheduled
	RetryDelay time.Duration `json:"retry_delay_ns,omitempty"`
	RetryAt    *time.Time    `json:"retry_at,omitempty"`

	// zones_added
	QueuedZoneIDs []string `json:"queued_zone_ids,omitempty"`

	// processing_error, processing_cancelled
	Message string `json:"message,omitempty"`

	Result  *model.Result       `json:"result,omitempty"`
	Metrics *model.QueueMetrics `json:"metrics,omitempty"`
}

func (e Event) String() string {
	if e.QueuedZoneID != "" {
		return fmt.Sprintf("%s zone=%s attempt=%d", e.Type, e.QueuedZoneID, e.Attempt)
	}
	return string(e.Type)
}

// Listener receives events synchronously from the publishing goroutine.
// Implementations must return quickly.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent calls f(e).
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Filter wraps a listener so it only sees the given types.
func Filter(l Listener, types ...Type) Listener {
	set := make(map[Type]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return ListenerFunc(func(e Event) {
		if set[e.Type] {
			l.OnEvent(e)
		}
	})
}

// ParseTypes parses a comma-separated list of event type names. An empty
// string yields nil, meaning every type.
func ParseTypes(csv string) ([]Type, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	known := make(map[Type]bool, len(AllTypes))
	for _, t := range AllTypes {
		known[t] = true
	}
	var types []Type
	for _, part := range strings.Split(csv, ",") {
		t := Type(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !known[t] {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		types = append(types, t)
	}
	return types, nil
}
