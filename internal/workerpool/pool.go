// Package workerpool owns the queue's workers: their lifecycle, their
// binding to zones, heartbeat supervision and elastic sizing.
package workerpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/pkg/model"
)

// Starter brings a newly created worker up. It runs with the worker startup
// timeout; an error leaves the worker in error state and evicts it.
type Starter func(ctx context.Context, w model.Worker) error

// Eviction describes a worker removed for missing heartbeats.
type Eviction struct {
	WorkerID string
	ZoneID   string
	Silence  time.Duration
}

type entry struct {
	w     model.Worker
	abort context.CancelFunc
}

// Pool maintains between Min and Max workers. All state changes go through
// its methods; callers only ever see copies.
type Pool struct {
	logger  *slog.Logger
	now     func() time.Time
	cfg     config.WorkerConfig
	scaling config.ScalingConfig
	caps    model.Capabilities
	starter Starter

	heartbeatTimeout time.Duration
	startupTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	workers    map[string]*entry
	aboveSince time.Time
	belowSince time.Time
	lastScale  time.Time
	wg         sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithStarter installs a startup hook for new workers.
func WithStarter(s Starter) Option {
	return func(p *Pool) { p.starter = s }
}

// WithCapabilities sets the capabilities every new worker gets.
func WithCapabilities(c model.Capabilities) Option {
	return func(p *Pool) { p.caps = c }
}

// New creates a pool with cfg.Workers.Initial workers.
func New(cfg config.QueueConfig, logger *slog.Logger, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:           logger.With("component", "workerpool"),
		now:              time.Now,
		cfg:              cfg.Workers,
		scaling:          cfg.Scaling,
		caps:             model.Capabilities{Tools: cfg.Workers.Tools},
		heartbeatTimeout: cfg.Timeouts.Heartbeat,
		startupTimeout:   cfg.Timeouts.WorkerStartup,
		ctx:              ctx,
		cancel:           cancel,
		workers:          make(map[string]*entry),
	}
	for _, o := range opts {
		o(p)
	}

	initial := p.cfg.Initial
	if initial < p.cfg.Min {
		initial = p.cfg.Min
	}
	p.mu.Lock()
	for i := 0; i < initial; i++ {
		p.addLocked()
	}
	p.mu.Unlock()
	return p
}

// Close stops pending startups and waits for them to return.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

// addLocked creates one worker. Without a starter it is idle immediately.
func (p *Pool) addLocked() model.Worker {
	now := p.now()
	e := &entry{w: model.Worker{
		ID:            "wrk_" + uuid.New().String(),
		Status:        model.WorkerStatusStarting,
		Capabilities:  p.caps,
		LastHeartbeat: now,
		CreatedAt:     now,
	}}
	p.workers[e.w.ID] = e

	if p.starter == nil {
		e.w.Status = model.WorkerStatusIdle
		return e.w
	}

	w := e.w
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, p.startupTimeout)
		defer cancel()
		err := p.starter(ctx, w)

		p.mu.Lock()
		defer p.mu.Unlock()
		e, ok := p.workers[w.ID]
		if !ok || e.w.Status != model.WorkerStatusStarting {
			return
		}
		if err != nil {
			p.logger.Warn("worker failed to start", "worker_id", w.ID, "error", err)
			p.setStatusLocked(e, model.WorkerStatusError)
			p.evictLocked(e)
			return
		}
		p.setStatusLocked(e, model.WorkerStatusIdle)
		e.w.LastHeartbeat = p.now()
		p.logger.Debug("worker started", "worker_id", w.ID)
	}()
	return w
}

func (p *Pool) setStatusLocked(e *entry, next model.WorkerStatus) bool {
	if !e.w.Status.CanTransitionTo(next) {
		p.logger.Error("invalid worker transition", "error",
			&model.InvalidTransitionError{Entity: "worker", ID: e.w.ID, From: string(e.w.Status), To: string(next)})
		return false
	}
	e.w.Status = next
	return true
}

// evictLocked takes a worker offline and forgets it.
func (p *Pool) evictLocked(e *entry) {
	if e.abort != nil {
		e.abort()
		e.abort = nil
	}
	if e.w.Status != model.WorkerStatusOffline {
		p.setStatusLocked(e, model.WorkerStatusOffline)
	}
	delete(p.workers, e.w.ID)
}

func (p *Pool) sortedLocked() []*entry {
	out := make([]*entry, 0, len(p.workers))
	for _, e := range p.workers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].w.CreatedAt.Equal(out[j].w.CreatedAt) {
			return out[i].w.CreatedAt.Before(out[j].w.CreatedAt)
		}
		return out[i].w.ID < out[j].w.ID
	})
	return out
}

// GetAvailableWorkers returns the idle workers in creation order.
func (p *Pool) GetAvailableWorkers() []model.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Worker
	for _, e := range p.sortedLocked() {
		if e.w.Status == model.WorkerStatusIdle {
			out = append(out, e.w)
		}
	}
	return out
}

// AssignWorker binds the first idle worker able to run tool with reqs to
// the zone and marks it busy. abort is called if the work is cancelled or
// the worker is evicted. It returns false when no worker is available; it
// never blocks.
func (p *Pool) AssignWorker(zoneID, tool string, reqs []model.ResourceRequirement, abort context.CancelFunc) (model.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.sortedLocked() {
		if e.w.Status != model.WorkerStatusIdle || !e.w.Capabilities.Supports(tool, reqs) {
			continue
		}
		p.setStatusLocked(e, model.WorkerStatusBusy)
		e.w.CurrentZone = zoneID
		e.w.LastHeartbeat = p.now()
		e.abort = abort
		return e.w, true
	}
	return model.Worker{}, false
}

// ReleaseWorker returns a busy worker to idle. Releasing a worker that is
// not busy, or no longer exists, is a no-op and reports false.
func (p *Pool) ReleaseWorker(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[id]
	if !ok || e.w.Status != model.WorkerStatusBusy {
		return false
	}
	p.setStatusLocked(e, model.WorkerStatusIdle)
	e.w.CurrentZone = ""
	e.abort = nil
	return true
}

// CancelWork signals the worker's in-flight work to abort, then releases it.
func (p *Pool) CancelWork(id string) bool {
	p.mu.Lock()
	e, ok := p.workers[id]
	if ok && e.abort != nil {
		e.abort()
		e.abort = nil
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	return p.ReleaseWorker(id)
}

// Fail moves a busy worker to error and evicts it; the pool is refilled to
// its minimum.
func (p *Pool) Fail(id, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[id]
	if !ok {
		return false
	}
	p.logger.Warn("worker failed", "worker_id", id, "zone", e.w.CurrentZone, "reason", reason)
	if e.w.Status == model.WorkerStatusBusy || e.w.Status == model.WorkerStatusStarting {
		p.setStatusLocked(e, model.WorkerStatusError)
	}
	p.evictLocked(e)
	p.refillLocked()
	return true
}

// Heartbeat records liveness for a worker.
func (p *Pool) Heartbeat(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[id]
	if !ok {
		return model.NewQueueError(model.CodeZoneNotFound, "", "worker '%s' not found", id)
	}
	e.w.LastHeartbeat = p.now()
	return nil
}

// CheckHeartbeats evicts busy workers whose last heartbeat is older than
// the heartbeat timeout, and starting workers older than the startup
// timeout. The pool is refilled to its minimum. The returned evictions name
// the zones that lost their worker.
func (p *Pool) CheckHeartbeats() []Eviction {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var evicted []Eviction
	for _, e := range p.sortedLocked() {
		switch e.w.Status {
		case model.WorkerStatusBusy:
			silence := now.Sub(e.w.LastHeartbeat)
			if silence <= p.heartbeatTimeout {
				continue
			}
			evicted = append(evicted, Eviction{WorkerID: e.w.ID, ZoneID: e.w.CurrentZone, Silence: silence})
			p.logger.Warn("worker missed heartbeat", "worker_id", e.w.ID, "zone", e.w.CurrentZone, "silence", silence)
			p.evictLocked(e)
		case model.WorkerStatusStarting:
			if now.Sub(e.w.CreatedAt) <= p.startupTimeout {
				continue
			}
			p.logger.Warn("worker startup timed out", "worker_id", e.w.ID)
			p.setStatusLocked(e, model.WorkerStatusError)
			p.evictLocked(e)
		}
	}
	p.refillLocked()
	return evicted
}

func (p *Pool) refillLocked() {
	for len(p.workers) < p.cfg.Min {
		w := p.addLocked()
		p.logger.Info("worker added to restore minimum", "worker_id", w.ID)
	}
}

// Autoscale applies elastic sizing. pending is the number of ready zones
// waiting for a worker. It returns the change in pool size.
func (p *Pool) Autoscale(pending int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refillLocked()
	if !p.scaling.Enabled || len(p.workers) == 0 {
		return 0
	}

	now := p.now()
	busy := 0
	for _, e := range p.workers {
		if e.w.Status == model.WorkerStatusBusy {
			busy++
		}
	}
	frac := float64(busy) / float64(len(p.workers))
	cooledDown := p.lastScale.IsZero() || now.Sub(p.lastScale) >= p.scaling.Cooldown

	switch {
	case frac >= p.scaling.ScaleUpThreshold && pending > 0:
		p.belowSince = time.Time{}
		if p.aboveSince.IsZero() {
			p.aboveSince = now
		}
		if now.Sub(p.aboveSince) >= p.scaling.Cooldown && cooledDown && len(p.workers) < p.cfg.Max {
			w := p.addLocked()
			p.lastScale = now
			p.aboveSince = time.Time{}
			p.logger.Info("scaled up", "worker_id", w.ID, "workers", len(p.workers), "busy_fraction", frac)
			return 1
		}
	case frac <= p.scaling.ScaleDownThreshold:
		p.aboveSince = time.Time{}
		if p.belowSince.IsZero() {
			p.belowSince = now
		}
		if now.Sub(p.belowSince) >= p.scaling.Cooldown && cooledDown && len(p.workers) > p.cfg.Min {
			for _, e := range p.sortedLocked() {
				if e.w.Status != model.WorkerStatusIdle {
					continue
				}
				p.setStatusLocked(e, model.WorkerStatusStopping)
				p.evictLocked(e)
				p.lastScale = now
				p.belowSince = time.Time{}
				p.logger.Info("scaled down", "worker_id", e.w.ID, "workers", len(p.workers), "busy_fraction", frac)
				return -1
			}
		}
	default:
		p.aboveSince = time.Time{}
		p.belowSince = time.Time{}
	}
	return 0
}

// RecordOutcome updates a worker's rolling performance stats.
func (p *Pool) RecordOutcome(id string, success bool, busy time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[id]
	if !ok {
		return
	}
	e.w.Stats.Processed++
	if success {
		e.w.Stats.Succeeded++
	} else {
		e.w.Stats.Failed++
	}
	e.w.Stats.BusyTime += busy
}

// Worker returns a copy of one worker.
func (p *Pool) Worker(id string) (model.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[id]
	if !ok {
		return model.Worker{}, false
	}
	return e.w, true
}

// Workers returns copies of every worker in creation order.
func (p *Pool) Workers() []model.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.sortedLocked()
	out := make([]model.Worker, len(entries))
	for i, e := range entries {
		out[i] = e.w
	}
	return out
}

// Counts returns the number of idle and busy workers.
func (p *Pool) Counts() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.workers {
		switch e.w.Status {
		case model.WorkerStatusIdle:
			idle++
		case model.WorkerStatusBusy:
			busy++
		}
	}
	return idle, busy
}
