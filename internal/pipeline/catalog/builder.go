// Package catalog implements the stage builder registry and the on-demand
// synthetic stage expansion it drives. A Builder is the single capability
// set every stage type implements, replacing what the teacher's source
// domain expresses as a deep class hierarchy of stage types.
package catalog

import (
	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// TaskSpec is a builder's declaration of one task to attach to a stage; the
// stage controller turns these into persisted TaskExecution rows at
// expansion time.
type TaskSpec struct {
	Name             string
	ImplementingType string
	LoopStart        bool
	StageEnd         bool
}

// StageSpec is a builder's declaration of one synthetic child stage; the
// stage controller assigns it an ID, RefID, ParentStageID, and
// SyntheticStageOwner before persisting.
type StageSpec struct {
	RefID                string
	Type                 string
	Name                 string
	Context              map[string]any
	RequisiteStageRefIds []string
}

// Builder is the capability set a stage type contributes. Optional hooks
// live in the separate Cancelable and ManuallySkippable interfaces; callers
// type-assert a Builder against them before use.
type Builder interface {
	// TaskGraph returns this stage's own ordered tasks, excluding synthetic
	// children.
	TaskGraph(stage *model.StageExecution) ([]TaskSpec, error)

	// BeforeStages returns synthetic children that must all reach a
	// stage-complete status before this stage's own tasks start.
	BeforeStages(stage *model.StageExecution) ([]StageSpec, error)

	// AfterStages returns synthetic children that run once this stage's own
	// tasks succeed.
	AfterStages(stage *model.StageExecution) ([]StageSpec, error)
}

// Cancelable is implemented by builders whose stage type has a side-effect
// to invoke on CancelStage (e.g. telling a remote deploy to abort).
type Cancelable interface {
	Cancel(stage *model.StageExecution) error
}

// ManuallySkippable is implemented by builders whose stage type honors the
// manualSkip context flag; stages without it ignore the flag entirely.
type ManuallySkippable interface {
	CanManuallySkip() bool
}

// Registry maps a stage type name to its Builder, built once at process
// start — the explicit dispatch table called for in the design notes, in
// place of reflection-based discovery.
type Registry struct {
	builders map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register panics on a duplicate or empty type, since both indicate a
// wiring bug caught at startup, not a runtime condition to recover from.
func (r *Registry) Register(stageType string, b Builder) {
	if stageType == "" {
		panic("catalog: empty stage type")
	}
	if _, exists := r.builders[stageType]; exists {
		panic("catalog: duplicate stage type " + stageType)
	}
	r.builders[stageType] = b
}

// Get returns the builder for stageType, or false if the catalog has none
// registered — the "configuration failure" error kind, handled by marking
// the stage TERMINAL rather than crashing the dispatcher.
func (r *Registry) Get(stageType string) (Builder, bool) {
	b, ok := r.builders[stageType]
	return b, ok
}
