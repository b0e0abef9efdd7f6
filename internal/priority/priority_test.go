package priority

import (
	"math"
	"testing"
	"time"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/pkg/model"
)

func defaultCalc() *Calculator {
	return NewCalculator(config.DefaultQueueConfig().Priority)
}

func baseInput() Input {
	return Input{
		ContentType:    model.ContentText,
		AreaFraction:   0.2,
		ToolConfidence: 0.8,
		UserPriority:   5,
		EstimatedTime:  10 * time.Second,
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	c := defaultCalc()
	in := baseInput()
	a, b := c.Calculate(in), c.Calculate(in)
	if a != b {
		t.Errorf("Calculate not pure: %v != %v", a, b)
	}
}

func TestCalculate_Bounded(t *testing.T) {
	c := defaultCalc()
	inputs := []Input{
		{},
		baseInput(),
		{ContentType: model.ContentTable, AreaFraction: 5, ToolConfidence: 3, UserPriority: 99, Dependents: 1000, Waited: 1000 * time.Hour},
		{ContentType: "weird", AreaFraction: -1, ToolConfidence: math.NaN(), UserPriority: -4, Dependents: -2, EstimatedTime: -time.Second},
	}
	for i, in := range inputs {
		p := c.Calculate(in)
		if p < Min || p > Max || math.IsNaN(p) {
			t.Errorf("input %d: priority %v out of [%v,%v]", i, p, Min, Max)
		}
	}
}

func TestCalculate_FactorOrdering(t *testing.T) {
	c := defaultCalc()
	tests := []struct {
		name      string
		low, high func(*Input)
	}{
		{"user priority", func(in *Input) { in.UserPriority = 2 }, func(in *Input) { in.UserPriority = 9 }},
		{"dependents", func(in *Input) { in.Dependents = 0 }, func(in *Input) { in.Dependents = 3 }},
		{"shorter work", func(in *Input) { in.EstimatedTime = 5 * time.Minute }, func(in *Input) { in.EstimatedTime = time.Second }},
		{"tool confidence", func(in *Input) { in.ToolConfidence = 0.1 }, func(in *Input) { in.ToolConfidence = 0.95 }},
		{"complexity", func(in *Input) { in.ContentType = model.ContentFooter }, func(in *Input) { in.ContentType = model.ContentTable }},
		{"age", func(in *Input) { in.Waited = 0 }, func(in *Input) { in.Waited = 10 * time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := baseInput(), baseInput()
			tt.low(&lo)
			tt.high(&hi)
			if pl, ph := c.Calculate(lo), c.Calculate(hi); !(ph > pl) {
				t.Errorf("expected %v > %v", ph, pl)
			}
		})
	}
}

func TestCalculate_NegativeTimeWeightFavorsLongWork(t *testing.T) {
	cfg := config.DefaultQueueConfig().Priority
	cfg.Weights.EstimatedTime = -1
	c := NewCalculator(cfg)

	short, long := baseInput(), baseInput()
	short.EstimatedTime = time.Second
	long.EstimatedTime = 10 * time.Minute
	if c.Calculate(long) <= c.Calculate(short) {
		t.Error("negative estimated_time weight should favor longer work")
	}
}

func TestCalculate_AgingSaturates(t *testing.T) {
	c := defaultCalc()
	starved := Input{ContentType: model.ContentFooter, UserPriority: 1, ToolConfidence: 0, EstimatedTime: time.Hour}
	fresh := Input{ContentType: model.ContentTable, UserPriority: 10, ToolConfidence: 1, Dependents: 10}

	if c.Calculate(starved) >= c.Calculate(fresh) {
		t.Fatal("precondition: starved zone should start below a fresh high-priority zone")
	}
	starved.Waited = 24 * time.Hour
	if got := c.Calculate(starved); got != Max {
		t.Errorf("long-waiting zone priority = %v, want %v", got, Max)
	}
	if c.Calculate(starved) < c.Calculate(fresh) {
		t.Error("aged zone should reach at least the priority of any fresh zone")
	}
}

func TestCalculate_ZeroWeightsUseDefaults(t *testing.T) {
	c := NewCalculator(config.PriorityConfig{})
	if got, want := c.Calculate(baseInput()), defaultCalc().Calculate(baseInput()); got != want {
		t.Errorf("zero config priority = %v, want default %v", got, want)
	}
}

func TestInputFor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	qz := &model.QueuedZone{
		Zone: model.Zone{
			ContentType:  model.ContentTable,
			UserPriority: 7,
			Bounds:       model.Bounds{Width: 50, Height: 50, PageWidth: 100, PageHeight: 100},
		},
		Assignment: model.ToolAssignment{Confidence: 0.9, ExpectedDuration: 3 * time.Second},
		Dependents: []string{"a", "b"},
		QueuedAt:   now.Add(-5 * time.Second),
	}
	in := InputFor(qz, now)
	if in.Waited != 5*time.Second {
		t.Errorf("Waited = %v, want 5s", in.Waited)
	}
	if in.Dependents != 2 || in.UserPriority != 7 || in.AreaFraction != 0.25 {
		t.Errorf("unexpected input %+v", in)
	}
	if InputFor(qz, now.Add(-time.Minute)).Waited != 0 {
		t.Error("Waited should not be negative")
	}
}

func TestClamp(t *testing.T) {
	for _, tt := range []struct{ in, want float64 }{
		{-1, Min}, {0, 0}, {4.2, 4.2}, {11, Max}, {math.NaN(), Min}, {math.Inf(1), Max},
	} {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
