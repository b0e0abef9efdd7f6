package model

import "time"

// Allocation is an outstanding grant of resource capacity to one zone.
type Allocation struct {
	ID          string                   `json:"id"`
	ZoneID      string                   `json:"zone_id"`
	Granted     map[ResourceType]float64 `json:"granted"`
	StartTime   time.Time                `json:"start_time"`
	ExpectedEnd time.Time                `json:"expected_end"`
	ActualEnd   *time.Time               `json:"actual_end,omitempty"`
}

// Released reports whether the allocation has been returned to the budget.
func (a *Allocation) Released() bool {
	return a.ActualEnd != nil
}

// ResourceUtilization is a point-in-time view of budget usage.
type ResourceUtilization struct {
	Allocated     map[ResourceType]float64 `json:"allocated"`
	Ceilings      map[ResourceType]float64 `json:"ceilings"`
	Fraction      map[ResourceType]float64 `json:"fraction"`
	Allocations   int                      `json:"allocations"`
	ActiveWorkers int                      `json:"active_workers"`
	IdleWorkers   int                      `json:"idle_workers"`
	Timestamp     time.Time                `json:"timestamp"`
}
