package scheduler

import (
	"math"
	"time"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/pkg/model"
)

// BackoffDelay returns the delay before retry number retryCount (1-based).
// unit supplies a uniform sample in [0,1) for jitter; the jittered delay
// lies within ±JitterPercent/2 percent of the nominal one and never exceeds
// MaxDelay.
func BackoffDelay(p config.RetryPolicy, retryCount int, unit func() float64) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(p.BaseDelay)
	if p.IsExponential() {
		d *= math.Pow(p.Multiplier, float64(retryCount-1))
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterPercent > 0 && unit != nil {
		spread := p.JitterPercent / 200
		d *= 1 + (unit()*2-1)*spread
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (s *Scheduler) retryDelayLocked(retryCount int) time.Duration {
	return BackoffDelay(s.cfg.Retry, retryCount, s.rng.Float64)
}

// scheduleRetryLocked arms the timer that moves a retrying zone back to
// queued. The timer is bound to the retry count so a stale timer cannot
// requeue a later attempt.
func (s *Scheduler) scheduleRetryLocked(zs *zoneState, delay time.Duration) {
	id, count := zs.qz.ID, zs.qz.RetryCount
	if zs.timer != nil {
		zs.timer.Stop()
	}
	zs.timer = time.AfterFunc(delay, func() { s.requeue(id, count) })
}

func (s *Scheduler) requeue(id string, retryCount int) {
	s.mu.Lock()
	zs, ok := s.zones[id]
	if !ok || zs.qz.Status != model.ZoneStatusRetrying || zs.qz.RetryCount != retryCount {
		s.mu.Unlock()
		return
	}
	zs.timer = nil
	if err := s.transitionLocked(zs, model.ZoneStatusQueued); err != nil {
		s.logger.Error("requeue zone", "error", err)
		s.mu.Unlock()
		return
	}
	zs.qz.NextRetryAt = nil
	zs.qz.QueuedAt = s.now()
	zs.qz.StartedAt = nil
	if zs.qz.PriorityOverride != nil {
		zs.qz.Priority = *zs.qz.PriorityOverride
	}
	s.logger.Debug("zone requeued for retry", "queued_zone_id", id, "retry_count", retryCount)
	s.mu.Unlock()
	s.kick()
}

// toolFor picks the tool for the zone's next attempt. With fallback tools
// enabled, attempt n > 1 uses fallback n-2 while fallbacks remain.
func (s *Scheduler) toolFor(qz *model.QueuedZone) string {
	next := len(qz.Attempts) + 1
	fb := qz.Assignment.FallbackTools
	if s.cfg.Retry.UseFallbackTools && next > 1 && next-2 < len(fb) {
		return fb[next-2]
	}
	return qz.Assignment.PrimaryTool
}
