// Package costmodel estimates the resources and processing time of a zone
// when its tool assignment does not carry them.
package costmodel

import (
	"fmt"
	"math"
	"time"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/pkg/model"
)

// Estimate is a cost model's answer for one zone and tool.
type Estimate struct {
	Requirements []model.ResourceRequirement
	Duration     time.Duration
}

// Estimator produces cost estimates.
type Estimator interface {
	Estimate(zone model.Zone, tool string) (Estimate, error)
}

// New builds the estimator selected by cfg. Kind "none" returns nil.
func New(cfg config.CostModelConfig) (Estimator, error) {
	switch cfg.Kind {
	case "", "heuristic":
		return Heuristic{}, nil
	case "expression":
		e, err := NewExpression(cfg.Expressions, Heuristic{})
		if err != nil {
			return nil, err
		}
		return e, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cost model %q", cfg.Kind)
	}
}

// Apply fills the missing parts of an assignment from est. Requirements
// given by the assignment are kept; every requirement inherits the expected
// duration when it has none.
func Apply(est Estimator, zone model.Zone, a model.ToolAssignment) (model.ToolAssignment, error) {
	if est != nil && (len(a.Requirements) == 0 || a.ExpectedDuration <= 0) {
		e, err := est.Estimate(zone, a.PrimaryTool)
		if err != nil {
			return a, fmt.Errorf("estimate zone %s: %w", zone.ID, err)
		}
		if len(a.Requirements) == 0 {
			a.Requirements = e.Requirements
		}
		if a.ExpectedDuration <= 0 {
			a.ExpectedDuration = e.Duration
		}
	}
	reqs := make([]model.ResourceRequirement, len(a.Requirements))
	for i, r := range a.Requirements {
		if r.Duration <= 0 {
			r.Duration = a.ExpectedDuration
		}
		if r.Priority == "" {
			r.Priority = model.RequirementNormal
		}
		reqs[i] = r
	}
	a.Requirements = reqs
	return a, nil
}

type profile struct {
	memory  float64 // MiB at full-page area
	cpu     float64
	seconds float64
}

var profiles = map[model.ContentType]profile{
	model.ContentText:    {memory: 256, cpu: 0.5, seconds: 2},
	model.ContentHeader:  {memory: 128, cpu: 0.25, seconds: 1},
	model.ContentFooter:  {memory: 128, cpu: 0.25, seconds: 1},
	model.ContentTable:   {memory: 768, cpu: 1, seconds: 8},
	model.ContentImage:   {memory: 512, cpu: 1, seconds: 5},
	model.ContentDiagram: {memory: 640, cpu: 1, seconds: 6},
	model.ContentUnknown: {memory: 384, cpu: 0.5, seconds: 4},
}

// Heuristic estimates from a per-content-type profile scaled by the zone's
// share of the page. Low-confidence detections cost more because the tool
// typically needs a second pass.
type Heuristic struct{}

// Estimate implements Estimator.
func (Heuristic) Estimate(zone model.Zone, _ string) (Estimate, error) {
	p, ok := profiles[zone.ContentType]
	if !ok {
		p = profiles[model.ContentUnknown]
	}
	scale := 0.5 + zone.Bounds.AreaFraction()
	if zone.Confidence > 0 && zone.Confidence < 0.5 {
		scale *= 1.5
	}
	d := time.Duration(p.seconds * scale * float64(time.Second))
	return Estimate{
		Duration: d,
		Requirements: []model.ResourceRequirement{
			{Type: model.ResourceMemory, Amount: math.Ceil(p.memory * scale), Duration: d, Priority: model.RequirementNormal, Flexible: true},
			{Type: model.ResourceCPU, Amount: p.cpu, Duration: d, Priority: model.RequirementNormal},
		},
	}, nil
}
