package handlers

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
	"github.com/forgepipe/enginecore/internal/pipeline/runtime"
)

// StartExecution runs concurrency admission for limitConcurrent pipelines, then
// marks the execution RUNNING and enqueues StartStage for every root stage.
func StartExecution(rc *runtime.Context) error {
	execution, err := rc.Store.Retrieve(rc.Ctx, rc.Message.ExecutionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return nil
	}

	if execution.LimitConcurrent && execution.PipelineConfigID != nil {
		admitted, admitErr := rc.Admission.TryAdmit(rc.Ctx, *execution.PipelineConfigID, execution.ID)
		if admitErr != nil {
			return admitErr
		}
		if !admitted {
			if execution.Status == model.StatusNotStarted {
				return rc.Admission.Enqueue(rc.Ctx, *execution.PipelineConfigID, execution.ID)
			}
			return nil
		}
	}

	now := time.Now()
	execution.Status = model.StatusRunning
	execution.StartTime = &now
	if err := rc.Store.UpdateStatus(rc.Ctx, execution); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindExecutionStarted, ExecutionID: execution.ID, Status: execution.Status})

	stages, err := rc.Store.RetrieveStages(rc.Ctx, execution.ID)
	if err != nil {
		return err
	}
	topLevel := model.TopLevelStages(stages)
	if err := catalog.ValidateDAG(topLevel); err != nil {
		rc.Log.Error("stage graph validation failed, forcing execution terminal", "executionId", execution.ID, "error", err)
		return forceTerminal(rc, execution, "stage graph validation failed: "+err.Error())
	}

	if len(topLevel) == 0 {
		return rc.Enqueue(messages.CompleteExecution(rc.Message), 0)
	}

	for _, root := range catalog.Roots(topLevel) {
		if err := rc.Enqueue(messages.StartStage(rc.Message, root.ID), 0); err != nil {
			return err
		}
	}
	return nil
}

// CompleteExecution computes the final status from top-level stages,
// re-queueing itself while any branch is still in flight.
func CompleteExecution(rc *runtime.Context) error {
	execution, err := rc.Store.Retrieve(rc.Ctx, rc.Message.ExecutionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return nil
	}

	stages, err := rc.Store.RetrieveStages(rc.Ctx, execution.ID)
	if err != nil {
		return err
	}
	topLevel := model.TopLevelStages(stages)

	final, ready := deriveExecutionStatus(topLevel)
	if !ready {
		return rc.Requeue(rc.Retry.Delay(rc.Message.Attempts))
	}

	now := time.Now()
	execution.Status = final
	execution.EndTime = &now
	if err := rc.Store.UpdateStatus(rc.Ctx, execution); err != nil {
		return err
	}

	if final != model.StatusSucceeded {
		for _, s := range topLevel {
			if s.Status == model.StatusRunning {
				if err := rc.Enqueue(messages.CancelStage(rc.Message, s.ID), 0); err != nil {
					return err
				}
			}
		}
	}
	rc.Publish(events.Event{Kind: events.KindExecutionComplete, ExecutionID: execution.ID, Status: final})

	if execution.LimitConcurrent && execution.PipelineConfigID != nil {
		if err := rc.Admission.Release(rc.Ctx, *execution.PipelineConfigID, execution.ID); err != nil {
			return err
		}
	}
	if execution.PipelineConfigID != nil {
		purge := !execution.KeepWaitingPipelines
		return rc.Enqueue(messages.StartWaitingExecutions(*execution.PipelineConfigID, purge, rc.Message), 0)
	}
	return nil
}

// deriveExecutionStatus folds top-level stage statuses into the execution's
// final status; ready is false when some branch is still running or
// pending with satisfied upstreams, meaning the caller should requeue and
// try later.
func deriveExecutionStatus(stages []*model.StageExecution) (model.Status, bool) {
	if len(stages) == 0 {
		return model.StatusSucceeded, true
	}

	anyTerminal := false
	anyCanceled := false
	anyStoppedFatal := false
	allGoodOrStopped := true

	for _, s := range stages {
		switch s.Status {
		case model.StatusTerminal:
			anyTerminal = true
		case model.StatusCanceled:
			anyCanceled = true
		case model.StatusStopped:
			if s.CompleteOtherBranchesThenFail() {
				anyStoppedFatal = true
			}
		case model.StatusSucceeded, model.StatusFailedContinue, model.StatusSkipped:
		default:
			if s.Status == model.StatusNotStarted && !catalog.UpstreamComplete(stages, s) {
				continue
			}
			allGoodOrStopped = false
		}
	}

	if anyTerminal || (anyStoppedFatal && allGoodOrStopped) {
		return model.StatusTerminal, true
	}
	if anyCanceled {
		return model.StatusCanceled, true
	}
	if allGoodOrStopped {
		return model.StatusSucceeded, true
	}
	return "", false
}

// CancelExecution pushes AbortStage for every top-level stage that is
// RUNNING or still NOT_STARTED and lets the normal drain converge on
// CompleteExecution; it never sets CANCELED directly.
func CancelExecution(rc *runtime.Context) error {
	execution, err := rc.Store.Retrieve(rc.Ctx, rc.Message.ExecutionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return nil
	}
	stages, err := rc.Store.RetrieveStages(rc.Ctx, execution.ID)
	if err != nil {
		return err
	}
	for _, s := range model.TopLevelStages(stages) {
		if s.Status == model.StatusRunning || s.Status == model.StatusNotStarted {
			if err := rc.Enqueue(messages.AbortStage(rc.Message, s.ID), 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResumeExecution reverses a paused execution: every PAUSED stage, top-level
// or synthetic, gets a ResumeStage.
func ResumeExecution(rc *runtime.Context) error {
	execution, err := rc.Store.Retrieve(rc.Ctx, rc.Message.ExecutionID)
	if err != nil {
		return err
	}
	if execution.Status != model.StatusPaused && execution.Status != model.StatusRunning {
		return nil
	}
	execution.Status = model.StatusRunning
	if err := rc.Store.UpdateStatus(rc.Ctx, execution); err != nil {
		return err
	}
	stages, err := rc.Store.RetrieveStages(rc.Ctx, execution.ID)
	if err != nil {
		return err
	}
	for _, s := range stages {
		if s.Status == model.StatusPaused {
			if err := rc.Enqueue(messages.Message{
				Kind: messages.KindResumeStage, ExecutionType: rc.Message.ExecutionType,
				ExecutionID: execution.ID, Application: rc.Message.Application, StageID: &s.ID,
			}, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// RescheduleExecution is the retry-from-start entry point for an execution
// that never got off the ground (e.g. admission never succeeded); it just
// re-drives StartExecution.
func RescheduleExecution(rc *runtime.Context) error {
	return rc.Enqueue(messages.StartExecution(rc.Message.ExecutionID, rc.Message.ExecutionType, rc.Message.Application), 0)
}

// StartWaitingExecutions implements concurrency-admission promotion: purge the waiting queue
// first if requested, then promote the oldest survivor if nothing is
// currently running under configID.
func StartWaitingExecutions(rc *runtime.Context) error {
	if rc.Message.PurgeQueue {
		dropped, err := rc.Admission.Purge(rc.Ctx, rc.Message.ConfigID)
		if err != nil {
			return err
		}
		for _, id := range dropped {
			// Policy decision: purged waiters are marked CANCELED, not
			// silently discarded, so their disposition is observable.
			if err := markExecutionCanceled(rc, id); err != nil {
				rc.Log.Warn("failed to mark purged execution canceled", "executionId", id, "error", err)
			}
		}
	}
	executionID, ok, err := rc.Admission.PromoteNext(rc.Ctx, rc.Message.ConfigID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	execution, err := rc.Store.Retrieve(rc.Ctx, executionID)
	if err != nil {
		return err
	}
	return rc.Enqueue(messages.StartExecution(executionID, execution.Type, execution.Application), 0)
}

func markExecutionCanceled(rc *runtime.Context, executionID uuid.UUID) error {
	execution, err := rc.Store.Retrieve(rc.Ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return nil
	}
	now := time.Now()
	execution.Status = model.StatusCanceled
	execution.EndTime = &now
	if err := rc.Store.UpdateStatus(rc.Ctx, execution); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindExecutionComplete, ExecutionID: execution.ID, Status: model.StatusCanceled, Reason: "purged from waiting queue"})
	return nil
}

// InvalidExecution handles a KindInvalidExecution marker, pushed by the
// dispatcher once an execution-tier message exceeds its attempt cap; it
// force-finalizes the execution rather than retrying forever.
func InvalidExecution(rc *runtime.Context) error {
	execution, err := rc.Store.Retrieve(rc.Ctx, rc.Message.ExecutionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return nil
	}
	return forceTerminal(rc, execution, rc.Message.Reason)
}

func forceTerminal(rc *runtime.Context, execution *model.PipelineExecution, reason string) error {
	now := time.Now()
	execution.Status = model.StatusTerminal
	execution.EndTime = &now
	execution.Context = mergeContext(execution.Context, map[string]any{"terminalReason": reason})
	if err := rc.Store.Store(rc.Ctx, execution); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindExecutionComplete, ExecutionID: execution.ID, Status: model.StatusTerminal, Reason: reason})
	return nil
}
