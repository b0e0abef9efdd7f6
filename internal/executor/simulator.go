package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/me/zoneq/pkg/model"
)

// Profile describes how a simulated tool behaves.
type Profile struct {
	Latency     time.Duration   `yaml:"latency"`
	Jitter      time.Duration   `yaml:"jitter"`       // latency varies uniformly by ±Jitter
	FailureRate float64         `yaml:"failure_rate"` // probability in [0,1]
	ErrorType   model.ErrorType `yaml:"error_type"`   // default tool_error
	Recoverable *bool           `yaml:"recoverable"`  // default true
	Confidence  float64         `yaml:"confidence"`   // result confidence (default 0.9)
}

func (p Profile) recoverable() bool {
	return p.Recoverable == nil || *p.Recoverable
}

// Simulator is a deterministic stand-in for real extraction tools, driven
// by per-tool profiles and a seeded random source.
type Simulator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	def      Profile
	profiles map[string]Profile
	calls    map[string]int
}

// NewSimulator creates a Simulator. def applies to tools without a profile.
func NewSimulator(seed uint64, def Profile) *Simulator {
	return &Simulator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		def:      def,
		profiles: make(map[string]Profile),
		calls:    make(map[string]int),
	}
}

// SetProfile configures one tool.
func (s *Simulator) SetProfile(tool string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[tool] = p
}

// Calls returns how many times a tool was executed.
func (s *Simulator) Calls(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tool]
}

// Execute implements Executor.
func (s *Simulator) Execute(ctx context.Context, zone model.Zone, tool string) (*model.Result, error) {
	s.mu.Lock()
	p, ok := s.profiles[tool]
	if !ok {
		p = s.def
	}
	s.calls[tool]++
	latency := p.Latency
	if p.Jitter > 0 {
		latency += time.Duration((s.rng.Float64()*2 - 1) * float64(p.Jitter))
	}
	fail := p.FailureRate > 0 && s.rng.Float64() < p.FailureRate
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if fail {
		typ := p.ErrorType
		if typ == "" {
			typ = model.ErrorTypeTool
		}
		ee := model.NewExecutionError(typ, p.recoverable(), "simulated %s failure on zone %s", tool, zone.ID)
		ee.Tool = tool
		return nil, ee
	}

	conf := p.Confidence
	if conf == 0 {
		conf = 0.9
	}
	return &model.Result{
		Content:    fmt.Sprintf("[%s] %s zone %s on page %d", tool, zone.ContentType, zone.ID, zone.PageNumber),
		Confidence: conf,
		Metadata:   map[string]any{"tool": tool, "latency_ms": latency.Milliseconds()},
	}, nil
}
