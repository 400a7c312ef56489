// Package tasks defines the task implementation contract the task driver
// the task driver invokes, plus a gRPC-backed implementation for tasks whose real work
// happens in an external service.
package tasks

import (
	"context"
	"time"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// Result is what execute() returns: the status driving the next transition,
// plus a context delta merged into the stage's context and named outputs
// surfaced to downstream stages.
type Result struct {
	Status        model.Status
	ContextDelta  map[string]any
	Outputs       map[string]any
	BackoffPeriod time.Duration
	// Reason explains a TERMINAL or CANCELED result for introspection.
	Reason string
}

// Task is the implementation the catalog resolves ImplementingType to.
// Timeout and LoopStart are declared statically; BackoffPeriod is returned
// per-invocation since it may depend on what the external work reported.
type Task interface {
	Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error)
	Timeout() time.Duration
}

// Cancelable tasks support best-effort cancellation of in-flight external
// work; not every task implementation needs one.
type Cancelable interface {
	Cancel(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) error
}

// Registry maps ImplementingType to a Task, the explicit dispatch table for
// task execution paralleling catalog.Registry for stage types.
type Registry struct {
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

func (r *Registry) Register(implementingType string, t Task) {
	if implementingType == "" {
		panic("tasks: empty implementing type")
	}
	if _, exists := r.tasks[implementingType]; exists {
		panic("tasks: duplicate implementing type " + implementingType)
	}
	r.tasks[implementingType] = t
}

func (r *Registry) Get(implementingType string) (Task, bool) {
	t, ok := r.tasks[implementingType]
	return t, ok
}
