package executor

import (
	"context"
	"log/slog"

	"github.com/me/zoneq/pkg/model"
)

// Registry maps tool names to their Executor. Registration happens at
// startup before concurrent access, so no mutex is needed.
type Registry struct {
	executors map[string]Executor
	fallback  Executor
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		logger:    logger.With("component", "executor-registry"),
	}
}

// Register binds a tool name to an Executor.
func (r *Registry) Register(tool string, exec Executor) {
	r.executors[tool] = exec
	r.logger.Info("executor registered", "tool", tool)
}

// SetDefault sets the Executor used for tools without a registration.
func (r *Registry) SetDefault(exec Executor) {
	r.fallback = exec
}

// Get returns the Executor for a tool, or a non-recoverable validation
// error if neither the tool nor a default is registered.
func (r *Registry) Get(tool string) (Executor, error) {
	if exec, ok := r.executors[tool]; ok {
		return exec, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	err := model.NewExecutionError(model.ErrorTypeValidation, false, "no executor registered for tool %q", tool)
	err.Tool = tool
	return nil, err
}

// Execute dispatches to the tool's Executor, so a Registry can be handed
// to the scheduler directly.
func (r *Registry) Execute(ctx context.Context, zone model.Zone, tool string) (*model.Result, error) {
	exec, err := r.Get(tool)
	if err != nil {
		return nil, err
	}
	return exec.Execute(ctx, zone, tool)
}
