package scheduler

import (
	"time"

	"github.com/me/zoneq/pkg/model"
)

// computeMetricsLocked derives the queue metrics from the zone set. Nothing
// here is stored on zones.
func (s *Scheduler) computeMetricsLocked(now time.Time) model.QueueMetrics {
	m := model.QueueMetrics{UpdatedAt: now, StartedAt: s.startedAt}

	var waitSum, procSum time.Duration
	var waitN, procN int
	for _, id := range s.order {
		qz := &s.zones[id].qz
		m.Counts.Add(qz.Status)
		m.TotalAttempts += len(qz.Attempts)
		// StartedAt belongs to the current attempt; a requeued zone has none.
		if qz.StartedAt != nil && !qz.StartedAt.Before(qz.QueuedAt) {
			waitSum += qz.StartedAt.Sub(qz.QueuedAt)
			waitN++
		}
		if qz.Status == model.ZoneStatusCompleted {
			if a := qz.LastAttempt(); a != nil && a.EndedAt != nil {
				procSum += a.Duration()
				procN++
			}
		}
	}
	if waitN > 0 {
		m.AverageWaitTime = waitSum / time.Duration(waitN)
	}
	if procN > 0 {
		m.AverageProcessingTime = procSum / time.Duration(procN)
	}

	c := m.Counts
	if finished := c.Completed + c.Failed; finished > 0 {
		m.SuccessRate = float64(c.Completed) / float64(finished)
		m.ErrorRate = float64(c.Failed) / float64(finished)
	}
	if c.Total > 0 {
		m.ProgressPercent = float64(c.Completed+c.Failed+c.Cancelled) / float64(c.Total) * 100
	}
	if s.startedAt != nil {
		if elapsed := now.Sub(*s.startedAt); elapsed > 0 {
			m.Throughput = float64(c.Completed) / elapsed.Minutes()
		}
	}
	if m.Throughput > 0 && c.Active() > 0 {
		eta := now.Add(time.Duration(float64(c.Active()) / m.Throughput * float64(time.Minute)))
		m.EstimatedCompletion = &eta
	}

	m.Utilization = s.resources.Utilization()
	m.Utilization.IdleWorkers, m.Utilization.ActiveWorkers = s.pool.Counts()
	m.DroppedEvents = s.notifier.Dropped()
	return m
}

// Snapshot captures the queue for persistence.
func (s *Scheduler) Snapshot(label string) model.Snapshot {
	s.mu.Lock()
	now := s.now()
	snap := model.Snapshot{
		QueueID:   s.id,
		Label:     label,
		Status:    s.status,
		Metrics:   s.computeMetricsLocked(now),
		Zones:     make([]model.QueuedZone, 0, len(s.order)),
		CreatedAt: now,
	}
	for _, id := range s.order {
		snap.Zones = append(snap.Zones, s.zones[id].qz.Clone())
	}
	s.mu.Unlock()
	snap.Workers = s.pool.Workers()
	return snap
}
