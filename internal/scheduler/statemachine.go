package scheduler

import (
	"github.com/me/zoneq/internal/dependency"
	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/internal/logging"
	"github.com/me/zoneq/pkg/model"
)

// transitionLocked moves a zone to next, refusing moves the lifecycle does
// not allow.
func (s *Scheduler) transitionLocked(zs *zoneState, next model.ZoneStatus) error {
	if !zs.qz.Status.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "zone",
			ID:     zs.qz.ID,
			From:   string(zs.qz.Status),
			To:     string(next),
		}
	}
	zs.qz.Status = next
	return nil
}

// setStatusLocked moves the queue to next and emits the matching event.
func (s *Scheduler) setStatusLocked(next model.QueueStatus) error {
	if s.status == next {
		return nil
	}
	if !s.status.CanTransitionTo(next) {
		return &model.InvalidTransitionError{Entity: "queue", ID: s.id, From: string(s.status), To: string(next)}
	}
	prev := s.status
	s.status = next
	s.logger.Info("queue status changed", "from", prev, "to", next)

	switch next {
	case model.QueueStatusRunning:
		if s.startedAt == nil {
			now := s.now()
			s.startedAt = &now
		}
		if prev == model.QueueStatusPaused {
			s.emitLocked(events.Event{Type: events.ProcessingResumed})
			break
		}
		s.emitLocked(events.Event{Type: events.ProcessingStarted})
	case model.QueueStatusPaused:
		s.emitLocked(events.Event{Type: events.ProcessingPaused})
	case model.QueueStatusCancelled:
		s.emitLocked(events.Event{Type: events.ProcessingCancelled, Message: "queue cancelled"})
	case model.QueueStatusCompleted:
		m := s.computeMetricsLocked(s.now())
		s.metrics = m
		s.emitLocked(events.Event{Type: events.ProcessingCompleted, Metrics: &m})
	}
	return nil
}

// emitLocked stamps an event and queues it for delivery by flush.
func (s *Scheduler) emitLocked(e events.Event) {
	e.QueueID = s.id
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.pending = append(s.pending, e)
}

// flush delivers queued events outside the scheduler lock. Only one
// goroutine delivers at a time so listeners observe events in emission
// order; others leave their events for the active deliverer.
func (s *Scheduler) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, e := range batch {
			s.notifier.Publish(e)
		}
		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

func zoneEvent(qz *model.QueuedZone, typ events.Type, fill func(*events.Event)) events.Event {
	e := events.Event{
		Type:         typ,
		QueuedZoneID: qz.ID,
		ZoneID:       qz.Zone.ID,
		WorkerID:     qz.WorkerID,
		Attempt:      len(qz.Attempts),
	}
	if a := qz.LastAttempt(); a != nil {
		e.Tool = a.Tool
		if e.WorkerID == "" {
			e.WorkerID = a.WorkerID
		}
	}
	if fill != nil {
		fill(&e)
	}
	return e
}

// releaseLocked frees the zone's worker and then its allocation. abort
// additionally signals the running attempt to stop.
func (s *Scheduler) releaseLocked(zs *zoneState, abort bool) {
	if zs.cancel != nil && abort {
		zs.cancel()
	}
	zs.cancel = nil
	if id := zs.qz.WorkerID; id != "" {
		if abort {
			s.pool.CancelWork(id)
		} else {
			s.pool.ReleaseWorker(id)
		}
		zs.qz.WorkerID = ""
	}
	if id := zs.qz.AllocationID; id != "" {
		s.resources.Release(id)
		zs.qz.AllocationID = ""
	}
}

// endAttemptLocked closes the running attempt record.
func (s *Scheduler) endAttemptLocked(zs *zoneState, status model.ZoneStatus, res *model.Result, ee *model.ExecutionError) {
	a := zs.qz.LastAttempt()
	if a == nil || a.EndedAt != nil {
		return
	}
	now := s.now()
	a.EndedAt = &now
	a.Status = status
	a.Result = res
	a.Error = ee
}

// completeLocked records a successful attempt.
func (s *Scheduler) completeLocked(zs *zoneState, res *model.Result) {
	if err := s.transitionLocked(zs, model.ZoneStatusCompleted); err != nil {
		s.logger.Error("complete zone", "error", err)
		return
	}
	s.endAttemptLocked(zs, model.ZoneStatusCompleted, res, nil)
	workerID := zs.qz.WorkerID
	s.releaseLocked(zs, false)
	now := s.now()
	zs.qz.CompletedAt = &now
	zs.qz.Result = res
	zs.qz.LastError = nil

	logging.WithZone(s.logger, &zs.qz).Info("zone completed")
	s.emitLocked(zoneEvent(&zs.qz, events.ZoneProcessingCompleted, func(e *events.Event) {
		e.WorkerID = workerID
		e.Result = res
	}))
}

// failLocked routes a failure of a processing or queued zone. Recoverable
// failures with retry budget left go to retrying; everything else fails the
// zone for good and cancels its waiting dependents.
func (s *Scheduler) failLocked(zs *zoneState, ee *model.ExecutionError, abort bool) {
	from := zs.qz.Status
	workerID := zs.qz.WorkerID
	zs.qz.LastError = ee
	retry := from == model.ZoneStatusProcessing && ee.Recoverable && zs.qz.RetryCount < zs.qz.MaxRetries

	if retry {
		if err := s.transitionLocked(zs, model.ZoneStatusRetrying); err != nil {
			s.logger.Error("retry zone", "error", err)
			return
		}
		s.endAttemptLocked(zs, model.ZoneStatusRetrying, nil, ee)
		s.releaseLocked(zs, abort)
		zs.qz.RetryCount++
		delay := s.retryDelayLocked(zs.qz.RetryCount)
		at := s.now().Add(delay)
		zs.qz.NextRetryAt = &at

		log := logging.WithZone(s.logger, &zs.qz)
		log.Warn("zone attempt failed, retry scheduled",
			"error_type", ee.Type, "error", ee.Message, "retry_count", zs.qz.RetryCount, "delay", delay)
		s.emitLocked(zoneEvent(&zs.qz, events.ZoneProcessingFailed, func(e *events.Event) {
			e.WorkerID = workerID
			e.Error = ee
		}))
		s.emitLocked(zoneEvent(&zs.qz, events.ZoneRetryScheduled, func(e *events.Event) {
			e.WorkerID = workerID
			e.RetryDelay = delay
			e.RetryAt = &at
		}))
		s.scheduleRetryLocked(zs, delay)
		return
	}

	if err := s.transitionLocked(zs, model.ZoneStatusFailed); err != nil {
		s.logger.Error("fail zone", "error", err)
		return
	}
	s.endAttemptLocked(zs, model.ZoneStatusFailed, nil, ee)
	s.releaseLocked(zs, abort)
	now := s.now()
	zs.qz.CompletedAt = &now

	logging.WithZone(s.logger, &zs.qz).Error("zone failed",
		"error_type", ee.Type, "error", ee.Message, "recoverable", ee.Recoverable, "retry_count", zs.qz.RetryCount)
	s.emitLocked(zoneEvent(&zs.qz, events.ZoneProcessingFailed, func(e *events.Event) {
		e.WorkerID = workerID
		e.FinalFailure = true
		e.Error = ee
	}))
	s.cascadeLocked(zs)
}

// cancelZoneLocked cancels a non-terminal zone, aborting its attempt or
// pending retry.
func (s *Scheduler) cancelZoneLocked(zs *zoneState, reason string) {
	if zs.qz.Status.IsTerminal() {
		return
	}
	wasProcessing := zs.qz.Status == model.ZoneStatusProcessing
	if err := s.transitionLocked(zs, model.ZoneStatusCancelled); err != nil {
		s.logger.Error("cancel zone", "error", err)
		return
	}
	if zs.timer != nil {
		zs.timer.Stop()
		zs.timer = nil
	}
	if wasProcessing {
		s.endAttemptLocked(zs, model.ZoneStatusCancelled, nil, nil)
	}
	s.releaseLocked(zs, true)
	now := s.now()
	zs.qz.CompletedAt = &now
	zs.qz.NextRetryAt = nil
	zs.qz.CancelReason = reason
	logging.WithZone(s.logger, &zs.qz).Info("zone cancelled", "reason", reason)
}

func (s *Scheduler) statusOf(id string) (model.ZoneStatus, bool) {
	zs, ok := s.zones[id]
	if !ok {
		return "", false
	}
	return zs.qz.Status, true
}

// cascadeOneLocked cancels a queued zone whose dependency can no longer
// complete. It reports whether the zone was cancelled.
func (s *Scheduler) cascadeOneLocked(zs *zoneState) bool {
	if zs.qz.Status != model.ZoneStatusQueued {
		return false
	}
	dep, st, blocked := dependency.Blocker(zs.qz.Dependencies, s.statusOf)
	if !blocked {
		return false
	}
	s.cancelZoneLocked(zs, "dependency "+dep+" "+string(st))
	s.emitLocked(zoneEvent(&zs.qz, events.ProcessingCancelled, func(e *events.Event) {
		e.Message = zs.qz.CancelReason
	}))
	s.cascadeLocked(zs)
	return true
}

// cascadeLocked cancels the queued dependents of a zone that ended without
// completing, transitively.
func (s *Scheduler) cascadeLocked(zs *zoneState) {
	for _, id := range zs.qz.Dependents {
		if dep, ok := s.zones[id]; ok {
			s.cascadeOneLocked(dep)
		}
	}
}

// checkCompletionLocked completes a running queue once no zone is active.
func (s *Scheduler) checkCompletionLocked() bool {
	if s.status != model.QueueStatusRunning || len(s.zones) == 0 {
		return false
	}
	for _, zs := range s.zones {
		if zs.qz.Status.IsActive() {
			return false
		}
	}
	return s.setStatusLocked(model.QueueStatusCompleted) == nil
}
