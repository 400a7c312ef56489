package stages

import (
	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// DeployBuilder is a rolling push across regions: bootstrap once, then loop
// determineTarget/disable/deploy/enable per region until deploy.enable stops
// returning REDIRECT, once every region has had a turn. It runs a validation stage
// before its own tasks and a notification stage after.
type DeployBuilder struct{}

func (DeployBuilder) TaskGraph(stage *model.StageExecution) ([]catalog.TaskSpec, error) {
	return []catalog.TaskSpec{
		{Name: "bootstrap", ImplementingType: "deploy.bootstrap"},
		{Name: "determineTarget", ImplementingType: "deploy.determineTarget", LoopStart: true},
		{Name: "disable", ImplementingType: "deploy.disable"},
		{Name: "deploy", ImplementingType: "deploy.deploy"},
		{Name: "enable", ImplementingType: "deploy.enable", StageEnd: true},
	}, nil
}

func (DeployBuilder) BeforeStages(stage *model.StageExecution) ([]catalog.StageSpec, error) {
	return []catalog.StageSpec{
		{RefID: stage.RefID + "-validate", Type: "script", Name: "validateArtifact"},
	}, nil
}

func (DeployBuilder) AfterStages(stage *model.StageExecution) ([]catalog.StageSpec, error) {
	return []catalog.StageSpec{
		{RefID: stage.RefID + "-notify", Type: "script", Name: "notifyDeployComplete"},
	}, nil
}

func (DeployBuilder) Cancel(stage *model.StageExecution) error {
	// Best-effort: the remote deploy task implementation observes
	// cancellation through its own RunTask delivery (task-level CANCELED
	// result); this hook exists for stage types whose cancellation needs a
	// distinct out-of-band call instead of relying on the next poll.
	return nil
}
