package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/internal/executor"
	"github.com/me/zoneq/pkg/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.MaxConcurrentZones = 2
	cfg.TickInterval = 5 * time.Millisecond
	cfg.Workers = config.WorkerConfig{Min: 2, Max: 2, Initial: 2}
	cfg.Retry.BaseDelay = 5 * time.Millisecond
	cfg.Retry.MaxDelay = time.Second
	cfg.Retry.JitterPercent = 0
	cfg.Timeouts.Queue = 0
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testScheduler(t *testing.T, cfg config.QueueConfig, exec executor.Executor, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithSeed(1)}, opts...)
	s, err := New(cfg, exec, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// gate is an executor whose attempts block until their zone is released or
// their context ends.
type gate struct {
	mu      sync.Mutex
	release map[string]chan struct{}
	calls   map[string]int
}

func newGate() *gate {
	return &gate{release: make(map[string]chan struct{}), calls: make(map[string]int)}
}

func (g *gate) ch(zoneID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[zoneID]
	if !ok {
		c = make(chan struct{})
		g.release[zoneID] = c
	}
	return c
}

func (g *gate) Release(zoneID string) { close(g.ch(zoneID)) }

func (g *gate) Calls(zoneID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[zoneID]
}

func (g *gate) Execute(ctx context.Context, z model.Zone, tool string) (*model.Result, error) {
	g.mu.Lock()
	g.calls[z.ID]++
	g.mu.Unlock()
	select {
	case <-g.ch(z.ID):
		return &model.Result{Content: tool + ":" + z.ID, Confidence: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func succeed() executor.Executor {
	return executor.Func(func(_ context.Context, z model.Zone, tool string) (*model.Result, error) {
		return &model.Result{Content: tool + ":" + z.ID, Confidence: 1}, nil
	})
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(s *Scheduler) *recorder {
	r := &recorder{}
	s.Subscribe(r)
	return r
}

func (r *recorder) OnEvent(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func textZone(id string, deps ...string) model.Zone {
	return model.Zone{
		ID:          id,
		DocumentID:  "doc1",
		PageNumber:  1,
		ContentType: model.ContentText,
		Confidence:  0.9,
		Bounds:      model.Bounds{Width: 100, Height: 50, PageWidth: 600, PageHeight: 800},
		DependsOn:   deps,
	}
}

func assignFor(zones ...model.Zone) []model.ToolAssignment {
	out := make([]model.ToolAssignment, len(zones))
	for i, z := range zones {
		out[i] = model.ToolAssignment{ZoneID: z.ID, PrimaryTool: "tesseract", Confidence: 0.8}
	}
	return out
}

func enqueue(t *testing.T, s *Scheduler, zones ...model.Zone) []string {
	t.Helper()
	ids, err := s.Enqueue(context.Background(), zones, assignFor(zones...))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return ids
}

func zoneStatus(t *testing.T, s *Scheduler, id string) model.ZoneStatus {
	t.Helper()
	qz, ok := s.Zone(id)
	if !ok {
		t.Fatalf("zone %s not found", id)
	}
	return qz.Status
}

func countStatus(s *Scheduler, st model.ZoneStatus) int {
	n := 0
	for _, qz := range s.Zones() {
		if qz.Status == st {
			n++
		}
	}
	return n
}

// eventually polls cond for up to five seconds.
func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drive ticks the scheduler until cond holds.
func drive(t *testing.T, s *Scheduler, cond func() bool, what string) {
	t.Helper()
	eventually(t, func() bool {
		if err := s.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		return cond()
	}, what)
}
