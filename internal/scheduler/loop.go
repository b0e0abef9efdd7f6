package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/internal/observability"
	"github.com/me/zoneq/pkg/model"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Start runs the dispatch loop. It ticks every TickInterval and immediately
// after zones are enqueued, requeued or finished. The ticker is parked while
// the queue is completed and rearmed by the next kick. Start blocks until
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	first := false
	s.startOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyStarted
	}
	s.mu.Lock()
	s.started = true
	if s.status == model.QueueStatusIdle {
		s.setStatusLocked(model.QueueStatusRunning)
	}
	s.mu.Unlock()
	s.flush()

	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval,
		"max_concurrent_zones", s.cfg.MaxConcurrentZones)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	tickC := ticker.C

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping (context cancelled)")
			close(s.doneCh)
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("scheduler stopping (stop called)")
			close(s.doneCh)
			return nil
		case <-tickC:
		case <-s.kickCh:
			if tickC == nil {
				ticker.Reset(s.cfg.TickInterval)
				tickC = ticker.C
				s.logger.Debug("ticker resumed")
			}
		}

		if err := s.Tick(ctx); err != nil {
			s.logger.Error("tick error", "error", err)
		}
		if st := s.Status(); st.IsTerminal() && tickC != nil {
			ticker.Stop()
			tickC = nil
			s.logger.Debug("ticker parked", "status", st)
		}
	}
}

// Stop ends the loop and waits for the current tick to finish. Attempts in
// flight keep running; use Close to abort them.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.doneCh
	}
	return nil
}

// kick requests an immediate tick without blocking.
func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Tick runs one scheduling iteration. It is safe to call directly, which is
// how tests drive the queue without a running loop.
func (s *Scheduler) Tick(ctx context.Context) (err error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	_, span := observability.StartSpan(ctx, "scheduler.tick", attribute.String("queue.id", s.id))
	defer func() { observability.EndSpan(span, err) }()

	err = s.tick()
	if err != nil {
		s.mu.Lock()
		s.emitLocked(events.Event{Type: events.ProcessingError, Message: err.Error()})
		s.mu.Unlock()
	}
	s.flush()
	return err
}

func (s *Scheduler) tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}

	switch s.status {
	case model.QueueStatusCancelled:
		return nil
	case model.QueueStatusIdle:
		if len(s.zones) == 0 {
			return nil
		}
		if err := s.setStatusLocked(model.QueueStatusRunning); err != nil {
			return fmt.Errorf("phase 0 (start): %w", err)
		}
	}
	now := s.now()

	// Phase 1: Refresh the metrics projection.
	s.metrics = s.computeMetricsLocked(now)

	// Phase 2: Expire timed-out and orphaned work, cancel zones whose
	// dependencies can no longer complete.
	if err := s.expireLocked(now); err != nil {
		return fmt.Errorf("phase 2 (timeouts): %w", err)
	}
	for _, id := range s.order {
		s.cascadeOneLocked(s.zones[id])
	}

	if s.status == model.QueueStatusPaused {
		return nil
	}

	// Phase 3: Recompute priorities and order the ready zones.
	ready := s.rejectImpossibleLocked(s.readyLocked(now))

	// Phase 4: Size this tick's dispatch by free workers and the
	// concurrency ceiling.
	idle, _ := s.pool.Counts()
	capacity := min(idle, s.cfg.MaxConcurrentZones-s.processingLocked())
	if capacity < 0 {
		capacity = 0
	}

	// Phase 5: Dispatch from the front of the ready list.
	dispatched := 0
	for _, zs := range ready[:min(capacity, len(ready))] {
		if s.dispatchLocked(zs) {
			dispatched++
		}
	}
	if delta := s.pool.Autoscale(len(ready) - dispatched); delta != 0 {
		s.logger.Debug("pool resized", "delta", delta)
	}
	if err := s.resources.Verify(); err != nil {
		return fmt.Errorf("phase 5 (dispatch): %w", err)
	}

	// Phase 6: Complete the queue once nothing is active.
	s.checkCompletionLocked()
	return nil
}
