package tasks

import (
	"context"
	"time"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// ScriptTask is the implementation behind the "script" stage type: it has
// no external side effect of its own here, succeeding immediately, since
// the concrete script to run is opaque to this engine (the real script
// invocation is a deployment-specific detail outside this core).
type ScriptTask struct{}

func (ScriptTask) Timeout() time.Duration { return 5 * time.Minute }

func (ScriptTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error) {
	return Result{Status: model.StatusSucceeded}, nil
}
