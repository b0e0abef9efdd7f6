// Package executor defines the boundary to the extraction tools that run
// zones, plus the implementations the queue ships with.
package executor

import (
	"context"

	"github.com/me/zoneq/pkg/model"
)

// Executor runs one attempt of a zone with the given tool. It must honour
// ctx cancellation. Returned errors are classified with
// model.ClassifyError; return a *model.ExecutionError to control the
// classification.
type Executor interface {
	Execute(ctx context.Context, zone model.Zone, tool string) (*model.Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, zone model.Zone, tool string) (*model.Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, zone model.Zone, tool string) (*model.Result, error) {
	return f(ctx, zone, tool)
}
