package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// deployFlags is the typed view of the stage context fields the deploy
// task family reads and writes. Regions is supplied by the caller that
// submitted the pipeline; RegionIndex and CurrentRegion are owned by this
// task family and advanced across REDIRECT loops.
type deployFlags struct {
	Regions        []string `json:"regions,omitempty"`
	RegionIndex    int      `json:"regionIndex"`
	CurrentRegion  string   `json:"currentRegion,omitempty"`
	DeployCanceled bool     `json:"deployCanceled,omitempty"`
}

func readDeployFlags(stage *model.StageExecution) deployFlags {
	var f deployFlags
	if len(stage.Context) > 0 {
		_ = json.Unmarshal(stage.Context, &f)
	}
	if len(f.Regions) == 0 {
		f.Regions = []string{"default"}
	}
	return f
}

func deltaFor(f deployFlags) map[string]any {
	return map[string]any{
		"regions":        f.Regions,
		"regionIndex":    f.RegionIndex,
		"currentRegion":  f.CurrentRegion,
		"deployCanceled": f.DeployCanceled,
	}
}

// DeployBootstrapTask runs once, before the per-region loop begins.
type DeployBootstrapTask struct{}

func (DeployBootstrapTask) Timeout() time.Duration { return 2 * time.Minute }

func (DeployBootstrapTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error) {
	f := readDeployFlags(stage)
	return Result{Status: model.StatusSucceeded, ContextDelta: deltaFor(f)}, nil
}

// DeployDetermineTargetTask is the loop head (catalog.TaskSpec.LoopStart):
// it picks the next region to push to, and succeeds without picking one
// when every region has had a turn. DeployEnableTask's SUCCEEDED result is
// what ends the loop.
type DeployDetermineTargetTask struct{}

func (DeployDetermineTargetTask) Timeout() time.Duration { return 30 * time.Second }

func (DeployDetermineTargetTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error) {
	f := readDeployFlags(stage)
	if f.RegionIndex >= len(f.Regions) {
		return Result{Status: model.StatusSucceeded, ContextDelta: deltaFor(f)}, nil
	}
	f.CurrentRegion = f.Regions[f.RegionIndex]
	return Result{Status: model.StatusSucceeded, ContextDelta: deltaFor(f)}, nil
}

// DeployDisableTask takes the current region's target out of rotation.
type DeployDisableTask struct{}

func (DeployDisableTask) Timeout() time.Duration { return 2 * time.Minute }

func (DeployDisableTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error) {
	return Result{Status: model.StatusSucceeded}, nil
}

// DeployDeployTask pushes the build artifact to the current region.
type DeployDeployTask struct{}

func (DeployDeployTask) Timeout() time.Duration { return 10 * time.Minute }

func (DeployDeployTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error) {
	f := readDeployFlags(stage)
	if f.CurrentRegion == "" {
		return Result{Status: model.StatusTerminal, Reason: "no target region selected"}, nil
	}
	return Result{Status: model.StatusSucceeded}, nil
}

// DeployEnableTask brings the current region back into rotation and
// decides whether the rolling push continues: REDIRECT sends execution
// back to determineTarget for the next region, SUCCEEDED ends the loop
// once every region has been pushed.
type DeployEnableTask struct{}

func (DeployEnableTask) Timeout() time.Duration { return 2 * time.Minute }

func (DeployEnableTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error) {
	f := readDeployFlags(stage)
	if f.DeployCanceled {
		return Result{Status: model.StatusCanceled}, nil
	}
	f.RegionIndex++
	delta := deltaFor(f)
	if f.RegionIndex >= len(f.Regions) {
		return Result{Status: model.StatusSucceeded, ContextDelta: delta}, nil
	}
	return Result{
		Status:       model.StatusRedirect,
		ContextDelta: delta,
		Reason:       fmt.Sprintf("advancing to region %d/%d", f.RegionIndex+1, len(f.Regions)),
	}, nil
}
