package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/me/zoneq/internal/dependency"
	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/internal/logging"
	"github.com/me/zoneq/internal/observability"
	"github.com/me/zoneq/internal/priority"
	"github.com/me/zoneq/pkg/model"
)

// readyLocked recomputes priorities and returns the queued zones whose
// dependencies have all completed, best first. Ties go to the zone that has
// waited longest, then to enqueue order.
func (s *Scheduler) readyLocked(now time.Time) []*zoneState {
	var ready []*zoneState
	for _, id := range s.order {
		zs := s.zones[id]
		if zs.qz.Status != model.ZoneStatusQueued {
			continue
		}
		if zs.qz.PriorityOverride != nil {
			zs.qz.Priority = *zs.qz.PriorityOverride
		} else {
			zs.qz.Priority = s.calc.Calculate(priority.InputFor(&zs.qz, now))
		}
		if dependency.IsReady(zs.qz.Dependencies, s.statusOf) {
			ready = append(ready, zs)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.qz.Priority != b.qz.Priority {
			return a.qz.Priority > b.qz.Priority
		}
		if !a.qz.QueuedAt.Equal(b.qz.QueuedAt) {
			return a.qz.QueuedAt.Before(b.qz.QueuedAt)
		}
		return a.seq < b.seq
	})
	return ready
}

func (s *Scheduler) processingLocked() int {
	n := 0
	for _, zs := range s.zones {
		if zs.qz.Status == model.ZoneStatusProcessing {
			n++
		}
	}
	return n
}

// dispatchLocked tries to start one zone. A worker and an allocation are
// both bound, or neither is; on any shortfall the zone stays queued.
func (s *Scheduler) dispatchLocked(zs *zoneState) bool {
	tool := s.toolFor(&zs.qz)
	reqs := zs.qz.Requirements
	if !s.resources.CheckAvailability(reqs) {
		return false
	}
	alloc, err := s.resources.Allocate(zs.qz.ID, reqs)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.Timeouts.Processing)
	w, ok := s.pool.AssignWorker(zs.qz.ID, tool, reqs, cancel)
	if !ok {
		cancel()
		s.resources.Release(alloc.ID)
		return false
	}

	if err := s.transitionLocked(zs, model.ZoneStatusProcessing); err != nil {
		cancel()
		s.pool.ReleaseWorker(w.ID)
		s.resources.Release(alloc.ID)
		s.logger.Error("dispatch zone", "error", err)
		return false
	}
	now := s.now()
	zs.qz.WorkerID = w.ID
	zs.qz.AllocationID = alloc.ID
	zs.qz.StartedAt = &now
	zs.cancel = cancel
	zs.qz.Attempts = append(zs.qz.Attempts, model.Attempt{
		Number:        len(zs.qz.Attempts) + 1,
		WorkerID:      w.ID,
		Tool:          tool,
		StartedAt:     now,
		Status:        model.ZoneStatusProcessing,
		ResourceUsage: alloc.Granted,
	})
	attempt := len(zs.qz.Attempts)

	logging.WithZone(s.logger, &zs.qz).Info("zone dispatched", "tool", tool, "priority", zs.qz.Priority)
	s.emitLocked(zoneEvent(&zs.qz, events.ZoneProcessingStarted, nil))

	s.wg.Add(1)
	go s.runAttempt(ctx, cancel, zs.qz.ID, attempt, zs.qz.Zone, tool, w.ID)
	return true
}

// runAttempt executes one attempt off the scheduler lock and hands the
// outcome back to finishAttempt.
func (s *Scheduler) runAttempt(ctx context.Context, cancel context.CancelFunc, id string, attempt int, zone model.Zone, tool, workerID string) {
	defer s.wg.Done()
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "zone.attempt",
		attribute.String("zone.id", zone.ID),
		attribute.String("queued_zone.id", id),
		attribute.String("tool", tool),
		attribute.Int("attempt", attempt),
	)

	stopBeat := s.heartbeat(workerID)
	started := time.Now()
	res, err, panicked := s.execute(ctx, zone, tool)
	stopBeat()

	observability.EndSpan(span, err)
	s.finishAttempt(id, attempt, workerID, res, err, panicked, time.Since(started))
}

// execute calls the executor, converting a panic into a non-recoverable
// system error.
func (s *Scheduler) execute(ctx context.Context, zone model.Zone, tool string) (res *model.Result, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			ee := model.NewExecutionError(model.ErrorTypeSystem, false, "executor panic: %v", r)
			ee.Tool = tool
			res, err, panicked = nil, ee, true
		}
	}()
	res, err = s.exec.Execute(ctx, zone, tool)
	return res, err, false
}

// heartbeat reports liveness for a busy worker until the returned stop
// function is called.
func (s *Scheduler) heartbeat(workerID string) (stop func()) {
	if s.heartbeatEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	ticker := time.NewTicker(s.heartbeatEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.pool.Heartbeat(workerID); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (s *Scheduler) finishAttempt(id string, attempt int, workerID string, res *model.Result, err error, panicked bool, took time.Duration) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.logger.Debug("attempt result dropped on close", "queued_zone_id", id, "attempt", attempt)
		return
	}
	zs, ok := s.zones[id]
	if !ok || zs.qz.Status != model.ZoneStatusProcessing || len(zs.qz.Attempts) != attempt {
		// The zone timed out, was cancelled or lost its worker meanwhile.
		s.mu.Unlock()
		s.logger.Debug("late attempt result ignored", "queued_zone_id", id, "attempt", attempt)
		return
	}

	s.pool.RecordOutcome(workerID, err == nil, took)
	if err == nil {
		if res == nil {
			res = &model.Result{}
		}
		s.completeLocked(zs, res)
	} else {
		ee := model.ClassifyError(err)
		if ee.Tool == "" {
			ee.Tool = zs.qz.LastAttempt().Tool
		}
		if panicked {
			// The worker's state is unknown after a panic; replace it.
			s.pool.Fail(workerID, ee.Message)
		}
		s.failLocked(zs, ee, false)
	}
	s.checkCompletionLocked()
	s.mu.Unlock()

	s.flush()
	s.kick()
}

// expireLocked fails zones that exceeded the processing or queue timeout
// and zones whose worker stopped heartbeating.
func (s *Scheduler) expireLocked(now time.Time) error {
	for _, ev := range s.pool.CheckHeartbeats() {
		zs, ok := s.zones[ev.ZoneID]
		if !ok || zs.qz.Status != model.ZoneStatusProcessing || zs.qz.WorkerID != ev.WorkerID {
			continue
		}
		ee := model.NewExecutionError(model.ErrorTypeTimeout, true,
			"worker %s missed heartbeats for %s", ev.WorkerID, ev.Silence)
		ee.Tool = zs.qz.LastAttempt().Tool
		zs.qz.WorkerID = ""
		s.failLocked(zs, ee, true)
	}

	for _, id := range s.order {
		zs := s.zones[id]
		switch zs.qz.Status {
		case model.ZoneStatusProcessing:
			if zs.qz.StartedAt == nil || now.Sub(*zs.qz.StartedAt) <= s.cfg.Timeouts.Processing {
				continue
			}
			ee := model.NewExecutionError(model.ErrorTypeTimeout, true,
				"attempt exceeded processing timeout %s", s.cfg.Timeouts.Processing)
			ee.Tool = zs.qz.LastAttempt().Tool
			s.failLocked(zs, ee, true)
		case model.ZoneStatusQueued:
			if s.cfg.Timeouts.Queue <= 0 || now.Sub(zs.qz.QueuedAt) <= s.cfg.Timeouts.Queue {
				continue
			}
			ee := model.NewExecutionError(model.ErrorTypeTimeout, false,
				"zone waited longer than queue timeout %s", s.cfg.Timeouts.Queue)
			s.failLocked(zs, ee, false)
		}
	}

	if err := s.resources.Verify(); err != nil {
		return fmt.Errorf("resource accounting: %w", err)
	}
	return nil
}

// rejectImpossibleLocked fails ready zones whose requirements could not be
// met even by an empty budget; they would otherwise wait forever.
func (s *Scheduler) rejectImpossibleLocked(ready []*zoneState) []*zoneState {
	kept := ready[:0]
	for _, zs := range ready {
		if err := s.resources.Fits(zs.qz.Requirements); err != nil {
			ee := model.NewExecutionError(model.ErrorTypeResource, false, "%v", err)
			s.failLocked(zs, ee, false)
			continue
		}
		kept = append(kept, zs)
	}
	return kept
}
