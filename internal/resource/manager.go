// Package resource tracks the queue's resource budget and the allocations
// granted against it.
package resource

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/pkg/model"
)

const epsilon = 1e-9

// Manager is the single source of truth for whether one more zone can start.
// The sum of live allocations per resource type never exceeds its ceiling.
type Manager struct {
	logger   *slog.Logger
	now      func() time.Time
	floor    float64
	headroom float64

	mu          sync.Mutex
	ceilings    map[model.ResourceType]float64
	allocated   map[model.ResourceType]float64
	allocations map[string]*model.Allocation
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager with the configured ceilings. Resource types
// without a ceiling are unconstrained.
func NewManager(cfg config.ResourceConfig, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger.With("component", "resource"),
		now:         time.Now,
		floor:       cfg.FlexibleFloor,
		headroom:    cfg.LowPriorityHeadroom,
		ceilings:    make(map[model.ResourceType]float64, len(cfg.Ceilings)),
		allocated:   make(map[model.ResourceType]float64),
		allocations: make(map[string]*model.Allocation),
	}
	for rt, v := range cfg.Ceilings {
		m.ceilings[rt] = v
	}
	if m.floor <= 0 || m.floor > 1 {
		m.floor = 1
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Allocate reserves every requirement or none of them. Flexible
// requirements may be granted less than their amount, never below their
// minimum. It fails with RESOURCE_UNAVAILABLE when the group does not fit.
func (m *Manager) Allocate(zoneID string, reqs []model.ResourceRequirement) (*model.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	granted, err := m.plan(reqs, m.allocated)
	if err != nil {
		return nil, model.NewQueueError(model.CodeResourceUnavailable, zoneID, "%v", err)
	}

	now := m.now()
	var longest time.Duration
	for _, r := range reqs {
		if r.Duration > longest {
			longest = r.Duration
		}
	}
	a := &model.Allocation{
		ID:          "alloc_" + uuid.New().String(),
		ZoneID:      zoneID,
		Granted:     granted,
		StartTime:   now,
		ExpectedEnd: now.Add(longest),
	}
	for rt, v := range granted {
		m.allocated[rt] += v
	}
	m.allocations[a.ID] = a

	m.logger.Debug("allocated", "allocation_id", a.ID, "queued_zone_id", zoneID, "granted", granted)
	return cloneAllocation(a), nil
}

// Release returns an allocation to the budget. Releasing an unknown or
// already released allocation is a no-op; the result reports whether
// anything was released.
func (m *Manager) Release(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.allocations[id]
	if !ok {
		return false
	}
	delete(m.allocations, id)
	end := m.now()
	a.ActualEnd = &end
	for rt, v := range a.Granted {
		left := m.allocated[rt] - v
		if left < epsilon {
			left = 0
		}
		m.allocated[rt] = left
	}
	m.logger.Debug("released", "allocation_id", id, "queued_zone_id", a.ZoneID, "held", end.Sub(a.StartTime))
	return true
}

// CheckAvailability reports whether Allocate would succeed right now. It
// does not mutate the budget.
func (m *Manager) CheckAvailability(reqs []model.ResourceRequirement) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.plan(reqs, m.allocated)
	return err == nil
}

// Fits reports whether the requirements could be satisfied by an empty
// budget. Requirements that do not fit can never be allocated.
func (m *Manager) Fits(reqs []model.ResourceRequirement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.plan(reqs, map[model.ResourceType]float64{})
	return err
}

// plan computes the grant for reqs against the given usage without
// mutating anything.
func (m *Manager) plan(reqs []model.ResourceRequirement, used map[model.ResourceType]float64) (map[model.ResourceType]float64, error) {
	granted := make(map[model.ResourceType]float64, len(reqs))
	for _, r := range reqs {
		amount := r.Amount
		if amount <= 0 {
			continue
		}
		ceiling, constrained := m.ceilings[r.Type]
		if !constrained {
			granted[r.Type] += amount
			continue
		}
		limit := ceiling
		if r.Priority == model.RequirementLow {
			limit = ceiling * (1 - m.headroom)
		}
		available := limit - used[r.Type] - granted[r.Type]
		if amount <= available+epsilon {
			granted[r.Type] += amount
			continue
		}
		if minimum := m.minimum(r); r.Flexible && minimum <= available+epsilon {
			granted[r.Type] += available
			continue
		}
		return nil, fmt.Errorf("%s: need %g, %g of %g available", r.Type, m.minimum(r), max(available, 0), limit)
	}
	return granted, nil
}

func (m *Manager) minimum(r model.ResourceRequirement) float64 {
	if r.Flexible && r.MinAmount <= 0 {
		return r.Amount * m.floor
	}
	return r.Minimum()
}

// Allocation returns a live allocation by ID.
func (m *Manager) Allocation(id string) (*model.Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[id]
	if !ok {
		return nil, false
	}
	return cloneAllocation(a), true
}

// Live returns all outstanding allocations ordered by start time.
func (m *Manager) Live() []*model.Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, cloneAllocation(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Utilization returns the fraction of each constrained resource in use.
// Worker counts are left for the caller to fill in.
func (m *Manager) Utilization() model.ResourceUtilization {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := model.ResourceUtilization{
		Allocated:   make(map[model.ResourceType]float64, len(m.allocated)),
		Ceilings:    make(map[model.ResourceType]float64, len(m.ceilings)),
		Fraction:    make(map[model.ResourceType]float64, len(m.ceilings)),
		Allocations: len(m.allocations),
		Timestamp:   m.now(),
	}
	for rt, v := range m.allocated {
		u.Allocated[rt] = v
	}
	for rt, c := range m.ceilings {
		u.Ceilings[rt] = c
		if c > 0 {
			u.Fraction[rt] = m.allocated[rt] / c
		}
	}
	return u
}

// Verify checks the ceiling invariant.
func (m *Manager) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rt, c := range m.ceilings {
		if m.allocated[rt] > c+epsilon {
			return fmt.Errorf("resource %s over-committed: %g > %g", rt, m.allocated[rt], c)
		}
	}
	return nil
}

func cloneAllocation(a *model.Allocation) *model.Allocation {
	c := *a
	c.Granted = make(map[model.ResourceType]float64, len(a.Granted))
	for k, v := range a.Granted {
		c.Granted[k] = v
	}
	return &c
}
