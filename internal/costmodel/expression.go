package costmodel

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dop251/goja"

	"github.com/me/zoneq/pkg/model"
)

// DurationKey names the expression that yields expected seconds.
const DurationKey = "duration"

// Expression evaluates configured JavaScript formulas. Each formula sees a
// `zone` object and the `tool` name and must return a non-negative number.
// Keys are resource types or "duration"; anything not covered comes from
// the fallback estimator.
type Expression struct {
	programs map[string]*goja.Program
	fallback Estimator
}

// NewExpression compiles the formulas.
func NewExpression(exprs map[string]string, fallback Estimator) (*Expression, error) {
	e := &Expression{programs: make(map[string]*goja.Program, len(exprs)), fallback: fallback}
	keys := make([]string, 0, len(exprs))
	for k := range exprs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k != DurationKey && !knownResource(model.ResourceType(k)) {
			return nil, fmt.Errorf("cost expression %q: unknown key", k)
		}
		prog, err := goja.Compile(k, "("+exprs[k]+")", false)
		if err != nil {
			return nil, fmt.Errorf("cost expression %q: %w", k, err)
		}
		e.programs[k] = prog
	}
	return e, nil
}

func knownResource(rt model.ResourceType) bool {
	for _, t := range model.ResourceTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// setupVM creates a fresh runtime with the zone bound. Runtimes are not
// shared, so Estimate is safe for concurrent use.
func setupVM(zone model.Zone, tool string) (*goja.Runtime, error) {
	vm := goja.New()
	z := map[string]any{
		"id":            zone.ID,
		"document":      zone.DocumentID,
		"page":          zone.PageNumber,
		"reading_order": zone.ReadingOrder,
		"type":          string(zone.ContentType),
		"confidence":    zone.Confidence,
		"area":          zone.Bounds.AreaFraction(),
		"width":         zone.Bounds.Width,
		"height":        zone.Bounds.Height,
		"user_priority": zone.UserPriority,
		"metadata":      zone.Metadata,
	}
	if err := vm.Set("zone", z); err != nil {
		return nil, fmt.Errorf("set zone: %w", err)
	}
	if err := vm.Set("tool", tool); err != nil {
		return nil, fmt.Errorf("set tool: %w", err)
	}
	return vm, nil
}

func (e *Expression) eval(vm *goja.Runtime, key string) (float64, bool, error) {
	prog, ok := e.programs[key]
	if !ok {
		return 0, false, nil
	}
	v, err := vm.RunProgram(prog)
	if err != nil {
		return 0, false, fmt.Errorf("cost expression %q: %w", key, err)
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return 0, false, fmt.Errorf("cost expression %q returned %s", key, v)
	}
	f := v.ToFloat()
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false, fmt.Errorf("cost expression %q returned invalid value %v", key, v.Export())
	}
	return f, true, nil
}

// Estimate implements Estimator.
func (e *Expression) Estimate(zone model.Zone, tool string) (Estimate, error) {
	var base Estimate
	if e.fallback != nil {
		var err error
		if base, err = e.fallback.Estimate(zone, tool); err != nil {
			return Estimate{}, err
		}
	}

	vm, err := setupVM(zone, tool)
	if err != nil {
		return Estimate{}, err
	}

	out := Estimate{Duration: base.Duration}
	secs, ok, err := e.eval(vm, DurationKey)
	if err != nil {
		return Estimate{}, err
	}
	if ok {
		out.Duration = time.Duration(secs * float64(time.Second))
	}

	fromBase := make(map[model.ResourceType]model.ResourceRequirement, len(base.Requirements))
	for _, r := range base.Requirements {
		fromBase[r.Type] = r
	}
	for _, rt := range model.ResourceTypes {
		amount, ok, err := e.eval(vm, string(rt))
		if err != nil {
			return Estimate{}, err
		}
		r, inBase := fromBase[rt]
		switch {
		case ok:
			r = model.ResourceRequirement{Type: rt, Amount: amount, Priority: model.RequirementNormal, Flexible: r.Flexible}
		case !inBase:
			continue
		}
		r.Duration = out.Duration
		out.Requirements = append(out.Requirements, r)
	}
	return out, nil
}
