package model

import "time"

// Worker is one execution slot owned by the worker pool.
type Worker struct {
	ID            string           `json:"id"`
	Status        WorkerStatus     `json:"status"`
	Capabilities  Capabilities     `json:"capabilities"`
	Stats         PerformanceStats `json:"stats"`
	CurrentZone   string           `json:"current_zone,omitempty"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Capabilities describes what a worker can run.
type Capabilities struct {
	// Tools lists supported tool names. Empty means every tool.
	Tools []string `json:"tools,omitempty"`

	// Ceilings caps the per-zone amount of each resource this worker accepts.
	// Missing types are unconstrained.
	Ceilings map[ResourceType]float64 `json:"ceilings,omitempty"`
}

// Supports reports whether the worker can run the tool with the requirements.
func (c Capabilities) Supports(tool string, reqs []ResourceRequirement) bool {
	if len(c.Tools) > 0 {
		found := false
		for _, t := range c.Tools {
			if t == tool {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, r := range reqs {
		if ceiling, ok := c.Ceilings[r.Type]; ok && r.minimum() > ceiling {
			return false
		}
	}
	return true
}

// PerformanceStats are rolling counters maintained by the pool.
type PerformanceStats struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	BusyTime  time.Duration `json:"busy_time_ns"`
}

// SuccessRate returns the fraction of processed zones that succeeded.
// A worker that has processed nothing reports 1.
func (s PerformanceStats) SuccessRate() float64 {
	if s.Processed == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(s.Processed)
}

// Throughput returns zones processed per minute over the given lifetime.
func (s PerformanceStats) Throughput(lifetime time.Duration) float64 {
	if lifetime <= 0 {
		return 0
	}
	return float64(s.Processed) / lifetime.Minutes()
}

// WorkerStatus represents the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusError    WorkerStatus = "error"
	WorkerStatusOffline  WorkerStatus = "offline"
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusStopping WorkerStatus = "stopping"
)

// ValidWorkerTransitions defines the allowed state transitions for Workers.
var ValidWorkerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerStatusStarting: {WorkerStatusIdle, WorkerStatusError, WorkerStatusOffline},
	WorkerStatusIdle:     {WorkerStatusBusy, WorkerStatusStopping, WorkerStatusOffline},
	WorkerStatusBusy:     {WorkerStatusIdle, WorkerStatusOffline, WorkerStatusError},
	WorkerStatusError:    {WorkerStatusOffline},
	WorkerStatusStopping: {WorkerStatusOffline},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s WorkerStatus) CanTransitionTo(next WorkerStatus) bool {
	for _, allowed := range ValidWorkerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
