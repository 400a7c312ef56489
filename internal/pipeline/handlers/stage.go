package handlers

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
	"github.com/forgepipe/enginecore/internal/pipeline/runtime"
)

const afterStartedFlag = "afterStarted"

// StartStage materializes this stage's tasks and synthetic children on
// first delivery, then either defers to its before-block or starts its own
// first task.
func StartStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if stage.Status.IsTerminal() {
		return nil
	}

	if !stage.SyntheticExpanded {
		builder, ok := rc.Catalog.Get(stage.Type)
		if !ok {
			return failConfiguration(rc, stage, "no stage builder registered for type "+stage.Type)
		}
		if err := expandStage(rc, stage, builder); err != nil {
			return err
		}
	}

	now := time.Now()
	if stage.StartTime == nil {
		stage.StartTime = &now
	}
	stage.Status = model.StatusRunning
	if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindStageStarted, ExecutionID: rc.Message.ExecutionID, StageID: &stage.ID, Status: stage.Status})

	siblings, err := rc.Store.RetrieveStages(rc.Ctx, stage.ExecutionID)
	if err != nil {
		return err
	}
	before := childrenOf(siblings, stage.ID, model.SyntheticOwnerBefore)
	if len(before) > 0 {
		for _, root := range catalog.Roots(before) {
			if pushErr := rc.Enqueue(messages.StartStage(stageTierMessage(rc.Message), root.ID), 0); pushErr != nil {
				return pushErr
			}
		}
		return nil
	}

	return startOwnTasksOrComplete(rc, stage)
}

// startOwnTasksOrComplete starts this stage's first own task, or, if it has
// none, proceeds straight to CompleteStage so a zero-task stage with only
// before/after children can still converge.
func startOwnTasksOrComplete(rc *runtime.Context, stage *model.StageExecution) error {
	tasks, err := rc.Store.RetrieveTasks(rc.Ctx, stage.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return rc.Enqueue(messages.CompleteStage(stageTierMessage(rc.Message)), 0)
	}
	first := tasks[0]
	for _, t := range tasks {
		if t.Index < first.Index {
			first = t
		}
	}
	return rc.Enqueue(messages.StartTask(stageTierMessage(rc.Message), first.ID), 0)
}

// expandStage invokes the builder once, persisting its tasks and synthetic
// children, and sets SyntheticExpanded so a restart replays the same shape
// without calling the builder again.
func expandStage(rc *runtime.Context, stage *model.StageExecution, builder catalog.Builder) error {
	taskSpecs, err := builder.TaskGraph(stage)
	if err != nil {
		return failConfiguration(rc, stage, "task graph build failed: "+err.Error())
	}
	for i, spec := range taskSpecs {
		stageEnd := spec.StageEnd || i == len(taskSpecs)-1
		task := &model.TaskExecution{
			StageID:          stage.ID,
			Name:             spec.Name,
			ImplementingType: spec.ImplementingType,
			Index:            i,
			Status:           model.StatusNotStarted,
			LoopStart:        spec.LoopStart,
			StageEnd:         stageEnd,
		}
		if err := rc.Store.StoreTask(rc.Ctx, task); err != nil {
			return err
		}
	}

	beforeSpecs, err := builder.BeforeStages(stage)
	if err != nil {
		return failConfiguration(rc, stage, "before stages build failed: "+err.Error())
	}
	if err := persistSynthetic(rc, stage, beforeSpecs, model.SyntheticOwnerBefore); err != nil {
		return err
	}

	afterSpecs, err := builder.AfterStages(stage)
	if err != nil {
		return failConfiguration(rc, stage, "after stages build failed: "+err.Error())
	}
	if err := persistSynthetic(rc, stage, afterSpecs, model.SyntheticOwnerAfter); err != nil {
		return err
	}

	stage.SyntheticExpanded = true
	return nil
}

func persistSynthetic(rc *runtime.Context, parent *model.StageExecution, specs []catalog.StageSpec, owner model.SyntheticStageOwner) error {
	o := owner
	for _, spec := range specs {
		ctxBytes := mergeContext(nil, spec.Context)
		child := &model.StageExecution{
			RefID:                spec.RefID,
			ExecutionID:          parent.ExecutionID,
			Type:                 spec.Type,
			Name:                 spec.Name,
			Status:               model.StatusNotStarted,
			RequisiteStageRefIds: datatypes.JSONSlice[string](spec.RequisiteStageRefIds),
			ParentStageID:        &parent.ID,
			SyntheticStageOwner:  &o,
			Context:              ctxBytes,
		}
		if err := rc.Store.StoreStage(rc.Ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func childrenOf(all []*model.StageExecution, parentID uuid.UUID, owner model.SyntheticStageOwner) []*model.StageExecution {
	var out []*model.StageExecution
	for _, s := range all {
		if s.ParentStageID != nil && *s.ParentStageID == parentID && s.SyntheticStageOwner != nil && *s.SyntheticStageOwner == owner {
			out = append(out, s)
		}
	}
	return out
}

// CompleteStage derives this stage's terminal status from its own tasks and
// synthetic children, starts the after-block the first time it's reached,
// and propagates the result: to the parent via ContinueParentStage if this is
// a before-child (an after-child is picked up by the parent's requeued
// CompleteStage), or to downstream stages / CompleteExecution if top-level.
func CompleteStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if stage.Status.IsTerminal() {
		return nil
	}

	ownTasks, err := rc.Store.RetrieveTasks(rc.Ctx, stage.ID)
	if err != nil {
		return err
	}
	allStages, err := rc.Store.RetrieveStages(rc.Ctx, stage.ExecutionID)
	if err != nil {
		return err
	}
	after := childrenOf(allStages, stage.ID, model.SyntheticOwnerAfter)

	afterStarted, _ := decodeContext(stage.Context)[afterStartedFlag].(bool)
	if len(after) > 0 && !afterStarted {
		stage.Context = mergeContext(stage.Context, map[string]any{afterStartedFlag: true})
		if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
			return err
		}
		for _, root := range catalog.Roots(after) {
			if err := rc.Enqueue(messages.StartStage(stageTierMessage(rc.Message), root.ID), 0); err != nil {
				return err
			}
		}
		return rc.Requeue(rc.Retry.Delay(rc.Message.Attempts))
	}

	before := childrenOf(allStages, stage.ID, model.SyntheticOwnerBefore)
	children := append(append([]*model.StageExecution{}, before...), after...)

	derived, ready := deriveStageStatus(ownTasks, children)
	if !ready {
		return rc.Requeue(rc.Retry.Delay(rc.Message.Attempts))
	}

	return finalizeStage(rc, stage, allStages, derived)
}

// deriveStageStatus folds own-task and synthetic-child statuses into one
// stage status. A task or child still NOT_STARTED keeps the stage pending,
// unless another task or child already reached a fatal status (TERMINAL,
// CANCELED or STOPPED); it is then left out of the fold, so a stage whose
// remaining chain will never run can still finalize.
func deriveStageStatus(ownTasks []*model.TaskExecution, children []*model.StageExecution) (model.Status, bool) {
	var statuses []model.Status
	fatal := false
	pending := false

	for _, t := range ownTasks {
		if t.Status == model.StatusNotStarted {
			pending = true
			continue
		}
		statuses = append(statuses, t.Status)
		if isFatal(t.Status) {
			fatal = true
		}
	}
	for _, c := range children {
		if c.Status == model.StatusNotStarted {
			pending = true
			continue
		}
		statuses = append(statuses, c.Status)
		if isFatal(c.Status) {
			fatal = true
		}
		if !c.Status.IsTerminal() {
			return "", false
		}
	}
	for _, t := range ownTasks {
		if t.Status != model.StatusNotStarted && !t.Status.IsTerminal() {
			return "", false
		}
	}

	if fatal {
		return fold(statuses), true
	}
	if pending {
		return "", false
	}
	if len(statuses) == 0 {
		return model.StatusSucceeded, true
	}
	return fold(statuses), true
}

func isFatal(s model.Status) bool {
	return s == model.StatusTerminal || s == model.StatusCanceled || s == model.StatusStopped
}

func fold(statuses []model.Status) model.Status {
	if len(statuses) == 0 {
		return model.StatusSucceeded
	}
	out := statuses[0]
	for _, s := range statuses[1:] {
		out = model.Worst(out, s)
	}
	return out
}

// finalizeStage persists the derived status and propagates it: ContinueParentStage
// for a completed before-child, nothing for an after-child (the parent's own
// requeued CompleteStage picks up its status), or downstream/CompleteExecution
// for a top-level stage.
func finalizeStage(rc *runtime.Context, stage *model.StageExecution, allStages []*model.StageExecution, derived model.Status) error {
	now := time.Now()
	stage.Status = derived
	if stage.EndTime == nil {
		stage.EndTime = &now
	}
	if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindStageComplete, ExecutionID: rc.Message.ExecutionID, StageID: &stage.ID, Status: derived})

	if stage.ParentStageID != nil {
		if stage.SyntheticStageOwner != nil && *stage.SyntheticStageOwner == model.SyntheticOwnerBefore {
			return rc.Enqueue(messages.ContinueParentStage(stageTierMessage(rc.Message), *stage.ParentStageID), 0)
		}
		return nil
	}

	for _, s := range allStages {
		if s.ID == stage.ID {
			s.Status = derived
		}
	}
	topLevel := model.TopLevelStages(allStages)

	if !derived.IsStageComplete() {
		if (derived == model.StatusTerminal || derived == model.StatusCanceled) && !stage.CompleteOtherBranchesThenFail() {
			for _, sib := range topLevel {
				if sib.ID != stage.ID && sib.Status == model.StatusRunning {
					if err := rc.Enqueue(messages.CancelStage(stageTierMessage(rc.Message), sib.ID), 0); err != nil {
						return err
					}
				}
			}
		}
		return rc.Enqueue(messages.CompleteExecution(rc.Message), 0)
	}

	downstream := catalog.Downstream(topLevel, stage.RefID)
	if len(downstream) == 0 {
		return rc.Enqueue(messages.CompleteExecution(rc.Message), 0)
	}
	for _, d := range downstream {
		if catalog.UpstreamComplete(topLevel, d) {
			if err := rc.Enqueue(messages.StartStage(stageTierMessage(rc.Message), d.ID), 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// SkipStage finalizes a stage as SKIPPED without waiting on its own tasks
// or synthetic children, used for manual-skip and builder-declared skips.
func SkipStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if stage.Status.IsTerminal() {
		return nil
	}
	allStages, err := rc.Store.RetrieveStages(rc.Ctx, stage.ExecutionID)
	if err != nil {
		return err
	}
	return finalizeStage(rc, stage, allStages, model.StatusSkipped)
}

// AbortStage force-finalizes a stage TERMINAL immediately, fires the
// builder's cancel hook for side effects, then hands off to the parent's
// CompleteStage (synthetic) or CompleteExecution (top-level) directly,
// bypassing the normal "wait for children" derivation.
func AbortStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if stage.Status.IsTerminal() {
		return nil
	}
	now := time.Now()
	stage.Status = model.StatusTerminal
	stage.EndTime = &now
	if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindStageComplete, ExecutionID: rc.Message.ExecutionID, StageID: &stage.ID, Status: model.StatusTerminal})

	if err := rc.Enqueue(messages.CancelStage(stageTierMessage(rc.Message), stage.ID), 0); err != nil {
		return err
	}

	if stage.ParentStageID != nil {
		return rc.Enqueue(messages.CompleteStage(messages.Message{
			Kind: messages.KindCompleteStage, ExecutionType: rc.Message.ExecutionType,
			ExecutionID: rc.Message.ExecutionID, Application: rc.Message.Application,
			StageID: stage.ParentStageID,
		}), 0)
	}
	return rc.Enqueue(messages.CompleteExecution(rc.Message), 0)
}

// CancelStage is the side-effect-only signal: it never changes Status
// itself. It is a no-op unless the builder implements Cancelable and the
// stage is currently RUNNING, CANCELED, or TERMINAL.
func CancelStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	switch stage.Status {
	case model.StatusRunning, model.StatusCanceled, model.StatusTerminal:
	default:
		return nil
	}
	builder, ok := rc.Catalog.Get(stage.Type)
	if !ok {
		return nil
	}
	cancelable, ok := builder.(catalog.Cancelable)
	if !ok {
		return nil
	}
	if err := cancelable.Cancel(stage); err != nil {
		rc.Log.Warn("stage cancel hook failed", "stageId", stage.ID, "error", err)
	}
	return nil
}

// ContinueParentStage is emitted by a completed before-child. Once every
// before-child has converged it advances the parent into its own tasks, or
// straight to CompleteStage if the parent has none.
func ContinueParentStage(rc *runtime.Context) error {
	parent, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}
	allStages, err := rc.Store.RetrieveStages(rc.Ctx, parent.ExecutionID)
	if err != nil {
		return err
	}
	before := childrenOf(allStages, parent.ID, model.SyntheticOwnerBefore)
	for _, b := range before {
		if !b.Status.IsTerminal() {
			return nil
		}
	}
	return startOwnTasksOrComplete(rc, parent)
}

// stageTierMessage copies identity fields for a stage-tier message derived
// from the current delivery, resetting attempts/status/taskId.
func stageTierMessage(m messages.Message) messages.Message {
	m.TaskID = nil
	m.Attempts = 0
	m.Status = ""
	return m
}

func failConfiguration(rc *runtime.Context, stage *model.StageExecution, reason string) error {
	allStages, err := rc.Store.RetrieveStages(rc.Ctx, stage.ExecutionID)
	if err != nil {
		return err
	}
	stage.Context = mergeContext(stage.Context, map[string]any{"configurationFailure": reason})
	if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
		return err
	}
	return finalizeStage(rc, stage, allStages, model.StatusTerminal)
}

// InvalidStage is pushed by the dispatcher once a stage-tier message
// exceeds its attempt cap; it force-finalizes the stage the same way
// AbortStage does, with a synthetic reason instead of a cancel-triggered one.
func InvalidStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if stage.Status.IsTerminal() {
		return nil
	}
	stage.Context = mergeContext(stage.Context, map[string]any{"invalidReason": rc.Message.Reason})
	if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
		return err
	}
	allStages, err := rc.Store.RetrieveStages(rc.Ctx, stage.ExecutionID)
	if err != nil {
		return err
	}
	return finalizeStage(rc, stage, allStages, model.StatusTerminal)
}

// PauseStage pauses a RUNNING stage's in-flight tasks; ResumeStage reverses it.
func PauseStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if stage.Status != model.StatusRunning {
		return nil
	}
	stage.Status = model.StatusPaused
	if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
		return err
	}
	tasks, err := rc.Store.RetrieveTasks(rc.Ctx, stage.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == model.StatusRunning {
			if err := rc.Enqueue(messages.Message{
				Kind: messages.KindPauseTask, ExecutionType: rc.Message.ExecutionType,
				ExecutionID: rc.Message.ExecutionID, Application: rc.Message.Application,
				StageID: &stage.ID, TaskID: &t.ID,
			}, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func ResumeStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if stage.Status != model.StatusPaused {
		return nil
	}
	stage.Status = model.StatusRunning
	if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
		return err
	}
	tasks, err := rc.Store.RetrieveTasks(rc.Ctx, stage.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == model.StatusPaused {
			if err := rc.Enqueue(messages.Message{
				Kind: messages.KindResumeTask, ExecutionType: rc.Message.ExecutionType,
				ExecutionID: rc.Message.ExecutionID, Application: rc.Message.Application,
				StageID: &stage.ID, TaskID: &t.ID,
			}, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// RestartStage resets a terminal (non-succeeded) stage's own tasks to
// NOT_STARTED and re-runs StartStage, the manual-retry entry point.
func RestartStage(rc *runtime.Context) error {
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return err
	}
	if !stage.Status.IsTerminal() || stage.Status == model.StatusSucceeded {
		return nil
	}
	tasks, err := rc.Store.RetrieveTasks(rc.Ctx, stage.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		t.Status = model.StatusNotStarted
		t.StartTime = nil
		t.EndTime = nil
		if err := rc.Store.StoreTask(rc.Ctx, t); err != nil {
			return err
		}
	}
	stage.Status = model.StatusNotStarted
	stage.StartTime = nil
	stage.EndTime = nil
	if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
		return err
	}
	return rc.Enqueue(messages.StartStage(stageTierMessage(rc.Message), stage.ID), 0)
}
