// Package priority computes the dispatch priority of queued zones.
//
// The calculator is pure: every input, including how long the zone has
// waited, is passed in, so the same Input always yields the same priority.
package priority

import (
	"math"
	"time"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/pkg/model"
)

// Priorities are clamped to [Min, Max].
const (
	Min = 0.0
	Max = 10.0
)

// DefaultUserPriority applies when a zone carries no user priority.
const DefaultUserPriority = 5

// contentComplexity is the base complexity per content category.
var contentComplexity = map[model.ContentType]float64{
	model.ContentTable:   0.8,
	model.ContentDiagram: 0.7,
	model.ContentImage:   0.6,
	model.ContentText:    0.4,
	model.ContentHeader:  0.2,
	model.ContentFooter:  0.2,
	model.ContentUnknown: 0.5,
}

// Input is everything the calculator looks at for one zone.
type Input struct {
	ContentType    model.ContentType
	AreaFraction   float64
	ToolConfidence float64
	UserPriority   int
	Dependents     int
	EstimatedTime  time.Duration
	Waited         time.Duration
}

// InputFor builds an Input from a queued zone at time now.
func InputFor(qz *model.QueuedZone, now time.Time) Input {
	waited := now.Sub(qz.QueuedAt)
	if waited < 0 {
		waited = 0
	}
	return Input{
		ContentType:    qz.Zone.ContentType,
		AreaFraction:   qz.Zone.Bounds.AreaFraction(),
		ToolConfidence: qz.Assignment.Confidence,
		UserPriority:   qz.Zone.UserPriority,
		Dependents:     len(qz.Dependents),
		EstimatedTime:  qz.Assignment.ExpectedDuration,
		Waited:         waited,
	}
}

// Factors are the normalized factor values. All but Age lie in [0,1]; Age
// grows without bound so long waits eventually dominate.
type Factors struct {
	Complexity      float64
	ToolConfidence  float64
	UserPriority    float64
	DependencyCount float64
	EstimatedTime   float64
	Age             float64
}

// Calculator turns Inputs into priorities using configured weights.
type Calculator struct {
	weights   config.PriorityWeights
	horizon   time.Duration
	reference time.Duration
}

// NewCalculator creates a Calculator. Zero durations fall back to the
// configuration defaults.
func NewCalculator(cfg config.PriorityConfig) *Calculator {
	d := config.DefaultQueueConfig().Priority
	c := &Calculator{weights: cfg.Weights, horizon: cfg.AgingHorizon, reference: cfg.ReferenceDuration}
	if c.weights.IsZero() {
		c.weights = d.Weights
	}
	if c.horizon <= 0 {
		c.horizon = d.AgingHorizon
	}
	if c.reference <= 0 {
		c.reference = d.ReferenceDuration
	}
	return c
}

// Factors normalizes an Input.
func (c *Calculator) Factors(in Input) Factors {
	base, ok := contentComplexity[in.ContentType]
	if !ok {
		base = contentComplexity[model.ContentUnknown]
	}
	user := in.UserPriority
	if user == 0 {
		user = DefaultUserPriority
	}
	est := in.EstimatedTime
	if est < 0 {
		est = 0
	}
	return Factors{
		Complexity:      0.7*base + 0.3*clamp01(in.AreaFraction),
		ToolConfidence:  clamp01(in.ToolConfidence),
		UserPriority:    float64(clampInt(user, 1, 10)) / 10,
		DependencyCount: 1 - 1/float64(1+max(in.Dependents, 0)),
		EstimatedTime:   float64(c.reference) / float64(c.reference+est),
		Age:             float64(in.Waited) / float64(c.horizon),
	}
}

// Calculate returns the weighted priority in [Min, Max]: the weighted sum of
// factors divided by the sum of absolute weights, scaled to Max.
func (c *Calculator) Calculate(in Input) float64 {
	f := c.Factors(in)
	w := c.weights
	total := math.Abs(w.Complexity) + math.Abs(w.ToolConfidence) + math.Abs(w.UserPriority) +
		math.Abs(w.DependencyCount) + math.Abs(w.EstimatedTime) + math.Abs(w.Age)
	if total == 0 {
		return Min
	}
	sum := w.Complexity*f.Complexity +
		w.ToolConfidence*f.ToolConfidence +
		w.UserPriority*f.UserPriority +
		w.DependencyCount*f.DependencyCount +
		w.EstimatedTime*f.EstimatedTime +
		w.Age*f.Age
	return Clamp(Max * sum / total)
}

// Clamp bounds a priority to [Min, Max]. NaN maps to Min.
func Clamp(p float64) float64 {
	if math.IsNaN(p) || p < Min {
		return Min
	}
	if p > Max {
		return Max
	}
	return p
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
