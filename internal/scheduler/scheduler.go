// Package scheduler is the processing queue: it owns every queued zone,
// orders ready zones by priority, admits them against the worker pool and
// the resource budget, runs them asynchronously and routes failures into
// retry or terminal failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/internal/costmodel"
	"github.com/me/zoneq/internal/dependency"
	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/internal/executor"
	"github.com/me/zoneq/internal/priority"
	"github.com/me/zoneq/internal/resource"
	"github.com/me/zoneq/internal/workerpool"
	"github.com/me/zoneq/pkg/model"
)

// zoneState is the scheduler's private record for one queued zone.
type zoneState struct {
	qz     model.QueuedZone
	seq    int
	cancel context.CancelFunc
	timer  *time.Timer
}

// Scheduler is one processing queue. Construct it with New; the zero value
// is not usable.
type Scheduler struct {
	id       string
	cfg      config.QueueConfig
	exec     executor.Executor
	logger   *slog.Logger
	now      func() time.Time
	notifier *events.Notifier
	calc     *priority.Calculator
	estimate costmodel.Estimator

	resources *resource.Manager
	pool      *workerpool.Pool

	// heartbeatEvery is how often a running attempt reports liveness;
	// negative disables heartbeats.
	heartbeatEvery time.Duration

	// tickMu makes Tick non-reentrant; mu guards everything below it.
	tickMu    sync.Mutex
	mu        sync.Mutex
	status    model.QueueStatus
	zones     map[string]*zoneState
	order     []string
	nextSeq   int
	startedAt *time.Time
	rng       *rand.Rand
	metrics   model.QueueMetrics
	pending   []events.Event
	flushing  bool
	closing   bool // set by Close; attempt results are dropped

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	kickCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	now            func() time.Time
	seed           uint64
	seeded         bool
	estimator      costmodel.Estimator
	estimatorSet   bool
	starter        workerpool.Starter
	capabilities   *model.Capabilities
	heartbeatEvery time.Duration
}

// WithClock overrides the time source used for timestamps, timeouts and
// aging.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSeed makes retry jitter deterministic.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed, o.seeded = seed, true }
}

// WithEstimator replaces the configured cost model. nil disables estimation.
func WithEstimator(e costmodel.Estimator) Option {
	return func(o *options) { o.estimator, o.estimatorSet = e, true }
}

// WithWorkerStarter installs a startup hook for workers added by the pool.
func WithWorkerStarter(s workerpool.Starter) Option {
	return func(o *options) { o.starter = s }
}

// WithWorkerCapabilities sets the capabilities of every pool worker.
func WithWorkerCapabilities(c model.Capabilities) Option {
	return func(o *options) { o.capabilities = &c }
}

// WithHeartbeatInterval sets how often running attempts heartbeat their
// worker. A negative interval disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.heartbeatEvery = d }
}

// New creates a Scheduler. cfg is normalized and validated; exec runs every
// attempt.
func New(cfg config.QueueConfig, exec executor.Executor, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if exec == nil {
		return nil, model.NewQueueError(model.CodeInvalidConfig, "", "executor is required")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if !o.seeded {
		o.seed = rand.Uint64()
	}
	if !o.estimatorSet {
		est, err := costmodel.New(cfg.CostModel)
		if err != nil {
			return nil, model.NewQueueError(model.CodeInvalidConfig, "", "cost model: %v", err)
		}
		o.estimator = est
	}
	if o.heartbeatEvery == 0 {
		o.heartbeatEvery = cfg.Timeouts.Heartbeat / 3
	}

	id := "q_" + uuid.New().String()
	logger = logger.With("component", "scheduler", "queue_id", id)

	poolOpts := []workerpool.Option{workerpool.WithClock(o.now)}
	if o.starter != nil {
		poolOpts = append(poolOpts, workerpool.WithStarter(o.starter))
	}
	if o.capabilities != nil {
		poolOpts = append(poolOpts, workerpool.WithCapabilities(*o.capabilities))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		id:             id,
		cfg:            cfg,
		exec:           exec,
		logger:         logger,
		now:            o.now,
		notifier:       events.NewNotifier(logger),
		calc:           priority.NewCalculator(cfg.Priority),
		estimate:       o.estimator,
		resources:      resource.NewManager(cfg.Resources, logger, resource.WithClock(o.now)),
		pool:           workerpool.New(cfg, logger, poolOpts...),
		heartbeatEvery: o.heartbeatEvery,
		status:         model.QueueStatusIdle,
		zones:          make(map[string]*zoneState),
		rng:            rand.New(rand.NewPCG(o.seed, o.seed>>1|1)),
		runCtx:         runCtx,
		runCancel:      runCancel,
		kickCh:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	return s, nil
}

// ID returns the queue identity carried by every event.
func (s *Scheduler) ID() string { return s.id }

// Config returns the normalized configuration.
func (s *Scheduler) Config() config.QueueConfig { return s.cfg }

// Enqueue adds zones with their tool assignments and returns the new queued
// zone IDs in input order. Every zone needs an assignment
// (MISSING_ASSIGNMENT); dependencies must be known and acyclic
// (UNKNOWN_DEPENDENCY, DEPENDENCY_CYCLE). Nothing is enqueued on error.
func (s *Scheduler) Enqueue(ctx context.Context, zones []model.Zone, assignments []model.ToolAssignment) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	byZone := make(map[string]model.ToolAssignment, len(assignments))
	for _, a := range assignments {
		byZone[a.ZoneID] = a
	}
	for _, z := range zones {
		if _, ok := byZone[z.ID]; !ok {
			return nil, model.NewQueueError(model.CodeMissingAssignment, z.ID, "zone '%s' has no tool assignment", z.ID)
		}
	}
	if len(zones) == 0 {
		return nil, nil
	}

	ids, err := s.enqueue(zones, byZone)
	s.flush()
	if err != nil {
		return nil, err
	}
	s.kick()
	return ids, nil
}

func (s *Scheduler) enqueue(zones []model.Zone, byZone map[string]model.ToolAssignment) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == model.QueueStatusCancelled {
		return nil, model.NewQueueError(model.CodeQueueCancelled, "", "queue %s is cancelled", s.id)
	}

	nodes := make([]dependency.Node, len(zones))
	ids := make([]string, len(zones))
	for i, z := range zones {
		ids[i] = "qz_" + uuid.New().String()
		nodes[i] = dependency.Node{QueuedID: ids[i], Zone: z}
	}
	existing := make(map[string]string, len(s.zones))
	for id, zs := range s.zones {
		existing[zs.qz.Zone.ID] = id
	}
	graph, err := dependency.Resolve(nodes, existing, s.cfg.DependencyMode)
	if err != nil {
		return nil, err
	}

	assigned := make([]model.ToolAssignment, len(zones))
	for i, z := range zones {
		a, err := costmodel.Apply(s.estimate, z, byZone[z.ID])
		if err != nil {
			return nil, fmt.Errorf("enqueue zone %s: %w", z.ID, err)
		}
		for j := range a.Requirements {
			r := &a.Requirements[j]
			if r.Flexible && r.MinAmount <= 0 {
				r.MinAmount = r.Amount * s.cfg.Resources.FlexibleFloor
			}
		}
		assigned[i] = a
	}

	now := s.now()
	for i, z := range zones {
		id := ids[i]
		s.nextSeq++
		zs := &zoneState{seq: s.nextSeq, qz: model.QueuedZone{
			ID:           id,
			BatchID:      ids[0],
			Zone:         z,
			Assignment:   assigned[i],
			Status:       model.ZoneStatusQueued,
			Dependencies: graph.Dependencies[id],
			Dependents:   graph.Dependents[id],
			Requirements: assigned[i].Requirements,
			QueuedAt:     now,
			MaxRetries:   s.cfg.Retry.MaxAttempts,
			Attempts:     []model.Attempt{},
		}}
		zs.qz.Priority = s.calc.Calculate(priority.InputFor(&zs.qz, now))
		s.zones[id] = zs
		s.order = append(s.order, id)
	}
	// Zones already queued may have gained dependents from this batch.
	for id, deps := range graph.Dependents {
		if zs, ok := s.zones[id]; ok && !contains(ids, id) {
			zs.qz.Dependents = appendUnique(zs.qz.Dependents, deps...)
		}
	}

	s.logger.Info("zones enqueued", "count", len(ids), "batch_id", ids[0])
	s.emitLocked(events.Event{Type: events.ZonesAdded, QueuedZoneIDs: append([]string(nil), ids...)})

	if s.status == model.QueueStatusCompleted {
		s.setStatusLocked(model.QueueStatusRunning)
	}
	// A late dependent of an already failed zone can never run.
	for _, id := range ids {
		s.cascadeOneLocked(s.zones[id])
	}
	return ids, nil
}

// Pause stops dispatching. Running attempts continue to completion.
func (s *Scheduler) Pause() error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == model.QueueStatusPaused {
		return nil
	}
	return s.setStatusLocked(model.QueueStatusPaused)
}

// Resume restarts dispatching after Pause.
func (s *Scheduler) Resume() error {
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status == model.QueueStatusRunning {
			return nil
		}
		if s.status != model.QueueStatusPaused {
			return &model.InvalidTransitionError{Entity: "queue", ID: s.id, From: string(s.status), To: string(model.QueueStatusRunning)}
		}
		return s.setStatusLocked(model.QueueStatusRunning)
	}()
	s.flush()
	if err == nil {
		s.kick()
	}
	return err
}

// Cancel cancels every non-terminal zone, asks running attempts to stop and
// releases their workers and allocations. Cancelling a cancelled or
// completed queue has no effect.
func (s *Scheduler) Cancel() error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return nil
	}
	n := 0
	for _, id := range s.order {
		zs := s.zones[id]
		if zs.qz.Status.IsTerminal() {
			continue
		}
		s.cancelZoneLocked(zs, "queue cancelled")
		n++
	}
	s.logger.Info("queue cancelled", "zones_cancelled", n)
	return s.setStatusLocked(model.QueueStatusCancelled)
}

// CancelZone cancels one zone. Cancelling a terminal zone has no effect.
func (s *Scheduler) CancelZone(id string) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	zs, ok := s.zones[id]
	if !ok {
		return model.NewNotFoundError(id)
	}
	if zs.qz.Status.IsTerminal() {
		return nil
	}
	s.cancelZoneLocked(zs, "cancelled by request")
	s.emitLocked(zoneEvent(&zs.qz, events.ProcessingCancelled, func(e *events.Event) {
		e.Message = zs.qz.CancelReason
	}))
	s.cascadeLocked(zs)
	s.checkCompletionLocked()
	return nil
}

// RetryZone re-queues a failed zone with a fresh retry budget.
func (s *Scheduler) RetryZone(id string) error {
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		zs, ok := s.zones[id]
		if !ok {
			return model.NewNotFoundError(id)
		}
		if s.status == model.QueueStatusCancelled {
			return model.NewQueueError(model.CodeQueueCancelled, id, "queue %s is cancelled", s.id)
		}
		if zs.qz.Status != model.ZoneStatusFailed {
			return &model.InvalidTransitionError{Entity: "zone", ID: id, From: string(zs.qz.Status), To: string(model.ZoneStatusQueued)}
		}
		if err := s.transitionLocked(zs, model.ZoneStatusQueued); err != nil {
			return err
		}
		zs.qz.RetryCount = 0
		zs.qz.CompletedAt = nil
		zs.qz.NextRetryAt = nil
		zs.qz.QueuedAt = s.now()
		zs.qz.StartedAt = nil
		s.logger.Info("zone retry requested", "queued_zone_id", id)
		s.emitLocked(zoneEvent(&zs.qz, events.ZoneRetryRequested, nil))
		if s.status == model.QueueStatusCompleted {
			s.setStatusLocked(model.QueueStatusRunning)
		}
		return nil
	}()
	s.flush()
	if err == nil {
		s.kick()
	}
	return err
}

// UpdatePriority pins a zone's priority. The override survives tick
// recomputation and takes effect at the next dispatch.
func (s *Scheduler) UpdatePriority(id string, value float64) error {
	s.mu.Lock()
	zs, ok := s.zones[id]
	if !ok {
		s.mu.Unlock()
		return model.NewNotFoundError(id)
	}
	v := priority.Clamp(value)
	zs.qz.PriorityOverride = &v
	if zs.qz.Status == model.ZoneStatusQueued {
		zs.qz.Priority = v
	}
	s.mu.Unlock()
	s.logger.Debug("priority overridden", "queued_zone_id", id, "priority", v)
	s.kick()
	return nil
}

// Status returns the queue status.
func (s *Scheduler) Status() model.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Metrics returns a fresh projection of the live zone set.
func (s *Scheduler) Metrics() model.QueueMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeMetricsLocked(s.now())
}

// Zones returns copies of every zone in enqueue order.
func (s *Scheduler) Zones() []model.QueuedZone {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueuedZone, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.zones[id].qz.Clone())
	}
	return out
}

// Zone returns a copy of one zone.
func (s *Scheduler) Zone(id string) (model.QueuedZone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zs, ok := s.zones[id]
	if !ok {
		return model.QueuedZone{}, false
	}
	return zs.qz.Clone(), true
}

// Workers returns copies of the pool's workers.
func (s *Scheduler) Workers() []model.Worker {
	return s.pool.Workers()
}

// Utilization returns the resource budget usage and worker counts.
func (s *Scheduler) Utilization() model.ResourceUtilization {
	u := s.resources.Utilization()
	u.IdleWorkers, u.ActiveWorkers = s.pool.Counts()
	return u
}

// Subscribe registers a synchronous listener.
func (s *Scheduler) Subscribe(l events.Listener) (unsubscribe func()) {
	return s.notifier.Register(l)
}

// SubscribeChan returns a buffered event channel with best-effort delivery:
// events that do not fit are dropped and counted in
// QueueMetrics.DroppedEvents. Subscribe delivers every event.
func (s *Scheduler) SubscribeChan(buffer int) (<-chan events.Event, func()) {
	return s.notifier.SubscribeChan(buffer)
}

// Close stops the loop, cancels retry timers and running attempts, and
// waits for attempt goroutines to return. Zone state is left as is: an
// attempt interrupted by Close is not recorded as a failure.
func (s *Scheduler) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closing = true
	for _, zs := range s.zones {
		if zs.timer != nil {
			zs.timer.Stop()
			zs.timer = nil
		}
	}
	s.mu.Unlock()
	s.runCancel()
	s.wg.Wait()
	s.pool.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if !contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
