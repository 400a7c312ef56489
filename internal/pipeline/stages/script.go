// Package stages provides the built-in stage catalog: script, deploy, and
// manual-judgment, registered against a catalog.Registry at process start.
package stages

import (
	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// ScriptBuilder runs a single named task with no synthetic children — the
// simplest possible stage type, useful for quick checks and as the
// before/after stage of more elaborate types.
type ScriptBuilder struct {
	ImplementingType string
}

func (b ScriptBuilder) TaskGraph(stage *model.StageExecution) ([]catalog.TaskSpec, error) {
	return []catalog.TaskSpec{
		{Name: "runScript", ImplementingType: b.ImplementingType, StageEnd: true},
	}, nil
}

func (b ScriptBuilder) BeforeStages(stage *model.StageExecution) ([]catalog.StageSpec, error) {
	return nil, nil
}

func (b ScriptBuilder) AfterStages(stage *model.StageExecution) ([]catalog.StageSpec, error) {
	return nil, nil
}

func (b ScriptBuilder) CanManuallySkip() bool { return true }
