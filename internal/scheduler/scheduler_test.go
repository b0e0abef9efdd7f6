package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/internal/executor"
	"github.com/me/zoneq/pkg/model"
)

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.JitterPercent = 150
	if _, err := New(cfg, succeed(), discardLogger()); !errors.Is(err, model.ErrInvalidConfig) {
		t.Errorf("err = %v, want INVALID_CONFIG", err)
	}
	if _, err := New(testConfig(), nil, discardLogger()); !errors.Is(err, model.ErrInvalidConfig) {
		t.Errorf("nil executor err = %v, want INVALID_CONFIG", err)
	}
}

func TestTick_ConcurrencyCeiling(t *testing.T) {
	g := newGate()
	s := testScheduler(t, testConfig(), g)
	enqueue(t, s, textZone("a"), textZone("b"), textZone("c"))

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := countStatus(s, model.ZoneStatusProcessing); got != 2 {
		t.Errorf("processing = %d, want 2", got)
	}
	if got := countStatus(s, model.ZoneStatusQueued); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
	if s.Status() != model.QueueStatusRunning {
		t.Errorf("queue status = %s, want running", s.Status())
	}

	for _, id := range []string{"a", "b", "c"} {
		g.Release(id)
	}
	drive(t, s, func() bool { return s.Status() == model.QueueStatusCompleted }, "queue completion")
	if got := countStatus(s, model.ZoneStatusCompleted); got != 3 {
		t.Errorf("completed = %d, want 3", got)
	}
}

func TestTick_DependencyGatesDispatch(t *testing.T) {
	g := newGate()
	s := testScheduler(t, testConfig(), g)
	ids := enqueue(t, s, textZone("a"), textZone("b", "a"))
	a, b := ids[0], ids[1]

	for i := 0; i < 5; i++ {
		if err := s.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if st := zoneStatus(t, s, b); st != model.ZoneStatusQueued {
			t.Fatalf("tick %d: dependent status = %s while dependency runs", i, st)
		}
	}
	if zoneStatus(t, s, a) != model.ZoneStatusProcessing {
		t.Fatalf("dependency not dispatched")
	}

	g.Release("a")
	eventually(t, func() bool { return zoneStatus(t, s, a) == model.ZoneStatusCompleted }, "dependency completion")
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if st := zoneStatus(t, s, b); st != model.ZoneStatusProcessing {
		t.Errorf("dependent status after dependency completed = %s, want processing", st)
	}
	g.Release("b")
}

func TestRetry_BackoffThenFinalFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	failing := executor.Func(func(context.Context, model.Zone, string) (*model.Result, error) {
		return nil, model.NewExecutionError(model.ErrorTypeTimeout, true, "tool timed out")
	})
	s := testScheduler(t, cfg, failing)
	rec := record(s)
	id := enqueue(t, s, textZone("a"))[0]

	drive(t, s, func() bool { return zoneStatus(t, s, id) == model.ZoneStatusFailed }, "final failure")

	qz, _ := s.Zone(id)
	if qz.RetryCount != 3 || len(qz.Attempts) != 4 {
		t.Errorf("retry count = %d, attempts = %d, want 3 and 4", qz.RetryCount, len(qz.Attempts))
	}
	if qz.WorkerID != "" || qz.AllocationID != "" {
		t.Errorf("failed zone still bound: worker=%q alloc=%q", qz.WorkerID, qz.AllocationID)
	}

	scheduled := rec.ofType(events.ZoneRetryScheduled)
	if len(scheduled) != 3 {
		t.Fatalf("retry_scheduled events = %d, want 3", len(scheduled))
	}
	for i := 1; i < len(scheduled); i++ {
		if scheduled[i].RetryDelay <= scheduled[i-1].RetryDelay {
			t.Errorf("retry delay %d (%s) not above previous (%s)", i, scheduled[i].RetryDelay, scheduled[i-1].RetryDelay)
		}
	}

	failed := rec.ofType(events.ZoneProcessingFailed)
	if len(failed) != 4 {
		t.Fatalf("zone_processing_failed events = %d, want 4", len(failed))
	}
	for i, e := range failed {
		if want := i == 3; e.FinalFailure != want {
			t.Errorf("failure %d FinalFailure = %v, want %v", i, e.FinalFailure, want)
		}
		if e.Error == nil || e.Error.Type != model.ErrorTypeTimeout {
			t.Errorf("failure %d error = %+v", i, e.Error)
		}
	}
	eventually(t, func() bool { return s.Status() == model.QueueStatusCompleted }, "queue completion")
}

func TestCancel_ReleasesEverything(t *testing.T) {
	g := newGate()
	s := testScheduler(t, testConfig(), g)
	rec := record(s)
	enqueue(t, s, textZone("a"), textZone("b"), textZone("c"))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if countStatus(s, model.ZoneStatusProcessing) != 2 {
		t.Fatal("setup: want 2 processing")
	}

	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := countStatus(s, model.ZoneStatusCancelled); got != 3 {
		t.Errorf("cancelled = %d, want 3", got)
	}
	if idle, busy := s.pool.Counts(); idle != 2 || busy != 0 {
		t.Errorf("workers idle=%d busy=%d, want 2/0", idle, busy)
	}
	if live := s.resources.Live(); len(live) != 0 {
		t.Errorf("live allocations = %d, want 0", len(live))
	}
	if s.Status() != model.QueueStatusCancelled {
		t.Errorf("queue status = %s", s.Status())
	}

	// Aborted attempts report back late; their results must be ignored.
	eventually(t, func() bool { return g.Calls("a") == 1 && g.Calls("b") == 1 }, "attempts started")
	if err := s.Cancel(); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
	if n := len(rec.ofType(events.ProcessingCancelled)); n != 1 {
		t.Errorf("processing_cancelled events = %d, want 1", n)
	}
	if _, err := s.Enqueue(context.Background(), []model.Zone{textZone("d")}, assignFor(textZone("d"))); !errors.Is(err, model.ErrQueueCancelled) {
		t.Errorf("Enqueue after cancel err = %v, want QUEUE_CANCELLED", err)
	}
	for _, qz := range s.Zones() {
		if qz.Status != model.ZoneStatusCancelled {
			t.Errorf("zone %s status changed to %s after cancel", qz.Zone.ID, qz.Status)
		}
	}
}

func TestEnqueue_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		zones []model.Zone
		asg   []model.ToolAssignment
		want  error
	}{
		{
			name:  "missing assignment",
			zones: []model.Zone{textZone("a"), textZone("b")},
			asg:   assignFor(textZone("a")),
			want:  model.ErrMissingAssignment,
		},
		{
			name:  "cycle",
			zones: []model.Zone{textZone("a", "b"), textZone("b", "a")},
			want:  model.ErrDependencyCycle,
		},
		{
			name:  "unknown dependency",
			zones: []model.Zone{textZone("a", "ghost")},
			want:  model.ErrUnknownDependency,
		},
		{
			name:  "duplicate",
			zones: []model.Zone{textZone("a"), textZone("a")},
			want:  model.ErrDuplicateZone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testScheduler(t, testConfig(), succeed())
			asg := tt.asg
			if asg == nil {
				asg = assignFor(tt.zones...)
			}
			_, err := s.Enqueue(context.Background(), tt.zones, asg)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if n := len(s.Zones()); n != 0 {
				t.Errorf("zones enqueued despite error: %d", n)
			}
		})
	}
}

func TestEnqueue_DependsOnQueuedZone(t *testing.T) {
	g := newGate()
	s := testScheduler(t, testConfig(), g)
	a := enqueue(t, s, textZone("a"))[0]
	b := enqueue(t, s, textZone("b", "a"))[0]

	qa, _ := s.Zone(a)
	qb, _ := s.Zone(b)
	if len(qb.Dependencies) != 1 || qb.Dependencies[0] != a {
		t.Errorf("dependencies = %v, want [%s]", qb.Dependencies, a)
	}
	if len(qa.Dependents) != 1 || qa.Dependents[0] != b {
		t.Errorf("dependents = %v, want [%s]", qa.Dependents, b)
	}
	if qb.Requirements == nil || qb.Assignment.ExpectedDuration <= 0 {
		t.Errorf("cost model did not fill requirements: %+v", qb.Assignment)
	}
	g.Release("a")
	g.Release("b")
}

func TestEnqueue_ReadingOrderMode(t *testing.T) {
	cfg := testConfig()
	cfg.DependencyMode = config.DependencyReadingOrder
	s := testScheduler(t, cfg, succeed())

	z1, z2, z3 := textZone("title"), textZone("left"), textZone("right")
	z1.ReadingOrder, z2.ReadingOrder, z3.ReadingOrder = 1, 2, 2
	ids := enqueue(t, s, z1, z2, z3)

	for _, id := range ids[1:] {
		qz, _ := s.Zone(id)
		if len(qz.Dependencies) != 1 || qz.Dependencies[0] != ids[0] {
			t.Errorf("%s dependencies = %v, want [%s]", qz.Zone.ID, qz.Dependencies, ids[0])
		}
	}
	drive(t, s, func() bool { return s.Status() == model.QueueStatusCompleted }, "queue completion")
}

func TestDispatch_PriorityOrderAndOverride(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentZones = 1
	cfg.Workers = config.WorkerConfig{Min: 1, Max: 1, Initial: 1}
	g := newGate()
	clock := newFakeClock()
	s := testScheduler(t, cfg, g, WithClock(clock.Now))

	low, mid, high := textZone("low"), textZone("mid"), textZone("high")
	low.UserPriority, mid.UserPriority, high.UserPriority = 1, 5, 10
	ids := enqueue(t, s, low, mid, high)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if st := zoneStatus(t, s, ids[2]); st != model.ZoneStatusProcessing {
		t.Fatalf("highest user priority not dispatched first (status %s)", st)
	}

	if err := s.UpdatePriority(ids[0], 10); err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}
	if err := s.UpdatePriority("missing", 3); !errors.Is(err, model.ErrZoneNotFound) {
		t.Errorf("UpdatePriority unknown err = %v", err)
	}
	g.Release("high")
	eventually(t, func() bool { return zoneStatus(t, s, ids[2]) == model.ZoneStatusCompleted }, "first zone")
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if st := zoneStatus(t, s, ids[0]); st != model.ZoneStatusProcessing {
		t.Errorf("overridden zone status = %s, want processing", st)
	}
	qz, _ := s.Zone(ids[0])
	if qz.Priority != 10 {
		t.Errorf("priority = %v, want pinned 10", qz.Priority)
	}
	g.Release("low")
	g.Release("mid")
}

func TestDispatch_AgingPreventsStarvation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentZones = 1
	cfg.Workers = config.WorkerConfig{Min: 1, Max: 1, Initial: 1}
	clock := newFakeClock()
	s := testScheduler(t, cfg, succeed(), WithClock(clock.Now))

	starving := textZone("starving")
	starving.UserPriority = 1
	id := enqueue(t, s, starving)[0]

	for round := 0; round < 20; round++ {
		fresh := textZone(fmt.Sprintf("urgent-%d", round))
		fresh.UserPriority = 10
		enqueue(t, s, fresh)
		if err := s.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if zoneStatus(t, s, id) != model.ZoneStatusQueued {
			if round == 0 {
				t.Fatal("low priority zone beat a fresh urgent zone without waiting")
			}
			return
		}
		eventually(t, func() bool { return countStatus(s, model.ZoneStatusProcessing) == 0 }, "round drain")
		clock.Advance(10 * time.Second)
	}
	t.Fatal("low priority zone starved behind a stream of urgent zones")
}

func TestPauseResume(t *testing.T) {
	s := testScheduler(t, testConfig(), succeed())
	rec := record(s)
	id := enqueue(t, s, textZone("a"))[0]

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Errorf("second Pause: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if st := zoneStatus(t, s, id); st != model.ZoneStatusQueued {
		t.Fatalf("zone dispatched while paused: %s", st)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	drive(t, s, func() bool { return s.Status() == model.QueueStatusCompleted }, "completion after resume")
	if len(rec.ofType(events.ProcessingPaused)) != 1 || len(rec.ofType(events.ProcessingResumed)) != 1 {
		t.Errorf("pause/resume events = %d/%d, want 1/1",
			len(rec.ofType(events.ProcessingPaused)), len(rec.ofType(events.ProcessingResumed)))
	}
	done := rec.ofType(events.ProcessingCompleted)
	if len(done) != 1 || done[0].Metrics == nil || done[0].Metrics.Counts.Completed != 1 {
		t.Errorf("processing_completed = %+v", done)
	}
	if err := s.Resume(); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Resume on completed queue err = %v", err)
	}
}

func TestCancelZone(t *testing.T) {
	g := newGate()
	s := testScheduler(t, testConfig(), g)
	ids := enqueue(t, s, textZone("a"), textZone("b", "a"))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if err := s.CancelZone(ids[0]); err != nil {
		t.Fatalf("CancelZone: %v", err)
	}
	if err := s.CancelZone(ids[0]); err != nil {
		t.Errorf("second CancelZone: %v", err)
	}
	if st := zoneStatus(t, s, ids[1]); st != model.ZoneStatusCancelled {
		t.Errorf("dependent status = %s, want cancelled", st)
	}
	qz, _ := s.Zone(ids[0])
	if qz.LastAttempt().Status != model.ZoneStatusCancelled || qz.CancelReason == "" {
		t.Errorf("attempt = %+v reason = %q", qz.LastAttempt(), qz.CancelReason)
	}
	if s.Status() != model.QueueStatusCompleted {
		t.Errorf("queue status = %s, want completed", s.Status())
	}
	if err := s.CancelZone("missing"); !errors.Is(err, model.ErrZoneNotFound) {
		t.Errorf("CancelZone unknown err = %v", err)
	}
}

func TestFailureCascadesToDependents(t *testing.T) {
	broken := executor.Func(func(_ context.Context, z model.Zone, tool string) (*model.Result, error) {
		if z.ID == "a" {
			return nil, model.NewExecutionError(model.ErrorTypeValidation, false, "unreadable region")
		}
		return &model.Result{Content: z.ID}, nil
	})
	s := testScheduler(t, testConfig(), broken)
	ids := enqueue(t, s, textZone("a"), textZone("b", "a"), textZone("c", "b"), textZone("d"))

	drive(t, s, func() bool { return s.Status() == model.QueueStatusCompleted }, "queue completion")
	want := []model.ZoneStatus{model.ZoneStatusFailed, model.ZoneStatusCancelled, model.ZoneStatusCancelled, model.ZoneStatusCompleted}
	for i, id := range ids {
		if st := zoneStatus(t, s, id); st != want[i] {
			t.Errorf("zone %d status = %s, want %s", i, st, want[i])
		}
	}
	if qz, _ := s.Zone(ids[0]); qz.RetryCount != 0 {
		t.Errorf("non-recoverable failure retried %d times", qz.RetryCount)
	}
}

func TestRetryZone_Manual(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	flaky := executor.Func(func(context.Context, model.Zone, string) (*model.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, model.NewExecutionError(model.ErrorTypeValidation, false, "bad input")
		}
		return &model.Result{Content: "ok"}, nil
	})
	s := testScheduler(t, testConfig(), flaky)
	rec := record(s)
	id := enqueue(t, s, textZone("a"))[0]

	drive(t, s, func() bool { return zoneStatus(t, s, id) == model.ZoneStatusFailed }, "failure")
	if err := s.RetryZone(id); err != nil {
		t.Fatalf("RetryZone: %v", err)
	}
	if qz, _ := s.Zone(id); qz.StartedAt != nil {
		t.Errorf("requeued zone keeps StartedAt %v", qz.StartedAt)
	}
	if w := s.Metrics().AverageWaitTime; w < 0 {
		t.Errorf("AverageWaitTime = %s after manual retry", w)
	}
	if len(rec.ofType(events.ZoneRetryRequested)) != 1 {
		t.Error("zone_retry_requested not emitted")
	}
	drive(t, s, func() bool { return zoneStatus(t, s, id) == model.ZoneStatusCompleted }, "completion after retry")

	qz, _ := s.Zone(id)
	if len(qz.Attempts) != 2 || qz.Result == nil || qz.Result.Content != "ok" {
		t.Errorf("attempts = %d result = %+v", len(qz.Attempts), qz.Result)
	}
	if err := s.RetryZone(id); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("RetryZone on completed zone err = %v", err)
	}
	if err := s.RetryZone("missing"); !errors.Is(err, model.ErrZoneNotFound) {
		t.Errorf("RetryZone unknown err = %v", err)
	}
}

func TestFallbackToolsOnRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.UseFallbackTools = true
	var mu sync.Mutex
	var tools []string
	exec := executor.Func(func(_ context.Context, _ model.Zone, tool string) (*model.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		tools = append(tools, tool)
		if tool != "camelot" {
			return nil, errors.New("garbled output")
		}
		return &model.Result{Content: "table"}, nil
	})
	s := testScheduler(t, cfg, exec)
	z := textZone("t")
	asg := []model.ToolAssignment{{ZoneID: "t", PrimaryTool: "tesseract", FallbackTools: []string{"easyocr", "camelot"}}}
	ids, err := s.Enqueue(context.Background(), []model.Zone{z}, asg)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drive(t, s, func() bool { return zoneStatus(t, s, ids[0]) == model.ZoneStatusCompleted }, "completion via fallback")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"tesseract", "easyocr", "camelot"}
	if fmt.Sprint(tools) != fmt.Sprint(want) {
		t.Errorf("tools = %v, want %v", tools, want)
	}
}

func TestProcessingTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Timeouts.Heartbeat = time.Hour
	clock := newFakeClock()
	g := newGate()
	s := testScheduler(t, cfg, g, WithClock(clock.Now))
	id := enqueue(t, s, textZone("slow"))[0]
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	clock.Advance(cfg.Timeouts.Processing + time.Second)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	qz, _ := s.Zone(id)
	if qz.Status != model.ZoneStatusFailed || qz.LastError == nil || qz.LastError.Type != model.ErrorTypeTimeout {
		t.Errorf("status = %s error = %+v, want failed timeout", qz.Status, qz.LastError)
	}
	if _, busy := s.pool.Counts(); busy != 0 {
		t.Errorf("busy workers = %d after timeout", busy)
	}
}

func TestQueueTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.Queue = time.Minute
	cfg.Timeouts.Processing = time.Hour
	cfg.Timeouts.Heartbeat = time.Hour
	clock := newFakeClock()
	g := newGate()
	s := testScheduler(t, cfg, g, WithClock(clock.Now))
	ids := enqueue(t, s, textZone("a"), textZone("b", "a"))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	qz, _ := s.Zone(ids[1])
	if qz.Status != model.ZoneStatusFailed || qz.LastError.Recoverable || qz.LastError.Type != model.ErrorTypeTimeout {
		t.Errorf("waiting zone = %s %+v, want non-recoverable timeout failure", qz.Status, qz.LastError)
	}
	if st := zoneStatus(t, s, ids[0]); st != model.ZoneStatusProcessing {
		t.Errorf("running zone status = %s, want processing", st)
	}
	g.Release("a")
}

func TestHeartbeatLossFailsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BaseDelay = time.Hour
	cfg.Timeouts.Processing = time.Hour
	clock := newFakeClock()
	g := newGate()
	s := testScheduler(t, cfg, g, WithClock(clock.Now), WithHeartbeatInterval(-1))
	id := enqueue(t, s, textZone("a"))[0]
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	worker := func() string { qz, _ := s.Zone(id); return qz.WorkerID }()

	clock.Advance(cfg.Timeouts.Heartbeat + time.Second)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	qz, _ := s.Zone(id)
	if qz.Status != model.ZoneStatusRetrying || qz.LastError.Type != model.ErrorTypeTimeout {
		t.Errorf("status = %s error = %+v, want retrying after heartbeat loss", qz.Status, qz.LastError)
	}
	if _, ok := s.pool.Worker(worker); ok {
		t.Error("silent worker still in pool")
	}
	if n := len(s.Workers()); n != cfg.Workers.Min {
		t.Errorf("workers = %d, want pool refilled to %d", n, cfg.Workers.Min)
	}
}

func TestImpossibleRequirementFails(t *testing.T) {
	s := testScheduler(t, testConfig(), succeed())
	z := textZone("huge")
	asg := []model.ToolAssignment{{
		ZoneID:      "huge",
		PrimaryTool: "tesseract",
		Requirements: []model.ResourceRequirement{
			{Type: model.ResourceMemory, Amount: 1 << 20, Duration: time.Second},
		},
	}}
	ids, err := s.Enqueue(context.Background(), []model.Zone{z}, asg)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	qz, _ := s.Zone(ids[0])
	if qz.Status != model.ZoneStatusFailed || qz.LastError.Type != model.ErrorTypeResource || qz.LastError.Recoverable {
		t.Errorf("status = %s error = %+v, want non-recoverable resource failure", qz.Status, qz.LastError)
	}
}

func TestExecutorPanicIsContained(t *testing.T) {
	cfg := testConfig()
	boom := executor.Func(func(context.Context, model.Zone, string) (*model.Result, error) {
		panic("segfault in tool binding")
	})
	s := testScheduler(t, cfg, boom)
	id := enqueue(t, s, textZone("a"))[0]

	drive(t, s, func() bool { return zoneStatus(t, s, id) == model.ZoneStatusFailed }, "failure")
	qz, _ := s.Zone(id)
	if qz.LastError.Type != model.ErrorTypeSystem || qz.LastError.Recoverable {
		t.Errorf("error = %+v, want non-recoverable system_error", qz.LastError)
	}
	if n := len(s.Workers()); n != cfg.Workers.Min {
		t.Errorf("workers = %d, want %d", n, cfg.Workers.Min)
	}
	if idle, _ := s.pool.Counts(); idle != cfg.Workers.Min {
		t.Errorf("idle workers = %d, want %d", idle, cfg.Workers.Min)
	}
}

func TestInvariantsUnderLoad(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentZones = 3
	cfg.Workers = config.WorkerConfig{Min: 2, Max: 4, Initial: 4}
	cfg.Retry.MaxAttempts = 2
	cfg.Resources.Ceilings[model.ResourceMemory] = 600

	sim := executor.NewSimulator(11, executor.Profile{Latency: time.Millisecond, Jitter: time.Millisecond, FailureRate: 0.3})
	s := testScheduler(t, cfg, sim)

	var mu sync.Mutex
	var violations []string
	check := func(events.Event) {
		zones := s.Zones()
		processing := 0
		workers := map[string]bool{}
		for _, qz := range zones {
			switch {
			case qz.Status == model.ZoneStatusProcessing:
				processing++
				if qz.WorkerID == "" || qz.AllocationID == "" {
					mu.Lock()
					violations = append(violations, "processing zone without worker or allocation")
					mu.Unlock()
				}
				if workers[qz.WorkerID] {
					mu.Lock()
					violations = append(violations, "worker bound to two zones")
					mu.Unlock()
				}
				workers[qz.WorkerID] = true
			case qz.WorkerID != "" || qz.AllocationID != "":
				mu.Lock()
				violations = append(violations, fmt.Sprintf("%s zone still bound", qz.Status))
				mu.Unlock()
			}
			if qz.RetryCount > qz.MaxRetries {
				mu.Lock()
				violations = append(violations, "retry count above budget")
				mu.Unlock()
			}
		}
		if processing > cfg.MaxConcurrentZones {
			mu.Lock()
			violations = append(violations, fmt.Sprintf("%d zones processing", processing))
			mu.Unlock()
		}
	}
	s.Subscribe(events.ListenerFunc(check))

	var zones []model.Zone
	for i := 0; i < 30; i++ {
		z := textZone(fmt.Sprintf("z%02d", i))
		if i%5 != 0 {
			z.DependsOn = []string{fmt.Sprintf("z%02d", i-1)}
		}
		zones = append(zones, z)
	}
	asg := assignFor(zones...)
	for i := range asg {
		asg[i].Requirements = []model.ResourceRequirement{
			{Type: model.ResourceMemory, Amount: 300, Flexible: true, Duration: time.Second},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)
	if _, err := s.Enqueue(ctx, zones, asg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, func() bool { return s.Status() == model.QueueStatusCompleted }, "queue completion")

	mu.Lock()
	defer mu.Unlock()
	if len(violations) > 0 {
		t.Errorf("invariant violations: %v", violations)
	}
	if live := s.resources.Live(); len(live) != 0 {
		t.Errorf("live allocations after completion = %d", len(live))
	}
	if _, busy := s.pool.Counts(); busy != 0 {
		t.Errorf("busy workers after completion = %d", busy)
	}
	m := s.Metrics()
	if m.Counts.Active() != 0 || m.ProgressPercent != 100 {
		t.Errorf("metrics = %+v", m.Counts)
	}
	if m.Counts.Completed+m.Counts.Failed+m.Counts.Cancelled != 30 {
		t.Errorf("terminal zones = %+v, want 30", m.Counts)
	}
}

func TestMetrics_WaitTimeAfterRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.BaseDelay = time.Hour
	cfg.Retry.MaxDelay = 2 * time.Hour
	clock := newFakeClock()
	failing := executor.Func(func(context.Context, model.Zone, string) (*model.Result, error) {
		return nil, model.NewExecutionError(model.ErrorTypeTool, true, "tool crashed")
	})
	s := testScheduler(t, cfg, failing, WithClock(clock.Now))
	id := enqueue(t, s, textZone("a"))[0]

	clock.Advance(2 * time.Second)
	drive(t, s, func() bool { return zoneStatus(t, s, id) == model.ZoneStatusRetrying }, "retrying")
	if w := s.Metrics().AverageWaitTime; w != 2*time.Second {
		t.Errorf("AverageWaitTime before requeue = %s, want 2s", w)
	}

	clock.Advance(10 * time.Minute)
	qz, _ := s.Zone(id)
	s.requeue(id, qz.RetryCount)
	if st := zoneStatus(t, s, id); st != model.ZoneStatusQueued {
		t.Fatalf("status after requeue = %s, want queued", st)
	}
	if w := s.Metrics().AverageWaitTime; w < 0 {
		t.Errorf("AverageWaitTime after requeue = %s, want >= 0", w)
	}
}

func TestClose_LeavesInterruptedAttemptUnrecorded(t *testing.T) {
	g := newGate()
	s := testScheduler(t, testConfig(), g)
	rec := record(s)
	ids := enqueue(t, s, textZone("a"), textZone("b", "a"))

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	eventually(t, func() bool { return g.Calls("a") == 1 }, "attempt started")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	qz, _ := s.Zone(ids[0])
	if qz.Status != model.ZoneStatusProcessing || qz.LastError != nil {
		t.Errorf("interrupted zone = %s (last error %v), want processing with no error", qz.Status, qz.LastError)
	}
	if st := zoneStatus(t, s, ids[1]); st != model.ZoneStatusQueued {
		t.Errorf("dependent = %s, want queued", st)
	}
	if n := len(rec.ofType(events.ZoneProcessingFailed)); n != 0 {
		t.Errorf("zone_processing_failed events = %d, want 0", n)
	}

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after Close: %v", err)
	}
	if st := zoneStatus(t, s, ids[0]); st != model.ZoneStatusProcessing {
		t.Errorf("status after Tick on closed queue = %s", st)
	}
}
