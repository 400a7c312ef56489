package stages

import (
	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// ManualJudgmentBuilder stops a pipeline until an authorized principal
// approves or rejects it through the API. No before/after stages and no
// cancel hook: a manual gate has no cancellation step of its own, and its
// task never reports CANCELED.
type ManualJudgmentBuilder struct{}

func (ManualJudgmentBuilder) TaskGraph(stage *model.StageExecution) ([]catalog.TaskSpec, error) {
	return []catalog.TaskSpec{
		{Name: "awaitJudgment", ImplementingType: "manualJudgment.await", StageEnd: true},
	}, nil
}

func (ManualJudgmentBuilder) BeforeStages(stage *model.StageExecution) ([]catalog.StageSpec, error) {
	return nil, nil
}

func (ManualJudgmentBuilder) AfterStages(stage *model.StageExecution) ([]catalog.StageSpec, error) {
	return nil, nil
}

func (ManualJudgmentBuilder) CanManuallySkip() bool { return false }
