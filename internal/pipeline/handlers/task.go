package handlers

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
	"github.com/forgepipe/enginecore/internal/pipeline/retry"
	"github.com/forgepipe/enginecore/internal/pipeline/runtime"
	"github.com/forgepipe/enginecore/internal/pipeline/tasks"
)

// TaskHandlers closes over the task implementation registry; the stage and
// execution handlers need no such registry so they stay free functions.
type TaskHandlers struct {
	Tasks *tasks.Registry
}

func (h *TaskHandlers) loadTaskAndStage(rc *runtime.Context) (*model.TaskExecution, *model.StageExecution, error) {
	if rc.Message.TaskID == nil || rc.Message.StageID == nil {
		return nil, nil, fmt.Errorf("task handler: message missing stage/task id")
	}
	task, err := rc.Store.RetrieveTask(rc.Ctx, *rc.Message.TaskID)
	if err != nil {
		return nil, nil, err
	}
	stage, err := rc.Store.RetrieveStage(rc.Ctx, *rc.Message.StageID)
	if err != nil {
		return nil, nil, err
	}
	return task, stage, nil
}

// StartTask marks the task RUNNING, stamps StartTime once, publishes
// TaskStarted, and kicks off the RunTask loop.
func (h *TaskHandlers) StartTask(rc *runtime.Context) error {
	task, _, err := h.loadTaskAndStage(rc)
	if err != nil {
		return err
	}
	if task.Status == model.StatusRunning || task.Status == model.StatusPaused {
		return rc.Enqueue(messages.RunTask(rc.Message), 0)
	}
	now := time.Now()
	task.Status = model.StatusRunning
	if task.StartTime == nil {
		task.StartTime = &now
	}
	task.EndTime = nil
	if err := rc.Store.StoreTask(rc.Ctx, task); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindTaskStarted, ExecutionID: rc.Message.ExecutionID, StageID: rc.Message.StageID, TaskID: rc.Message.TaskID, Status: task.Status})
	return rc.Enqueue(messages.RunTask(rc.Message), 0)
}

// RunTask invokes the task implementation and routes its Result to the next
// message, implementing every branch of the task state machine.
func (h *TaskHandlers) RunTask(rc *runtime.Context) error {
	task, stage, err := h.loadTaskAndStage(rc)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		// Already finalized by a prior, duplicate delivery; nothing to do.
		return nil
	}

	impl, ok := h.Tasks.Get(task.ImplementingType)
	if !ok {
		return rc.Enqueue(messages.CompleteTask(rc.Message, model.StatusTerminal), 0)
	}

	if task.StartTime != nil && impl.Timeout() > 0 && time.Since(*task.StartTime) > impl.Timeout() {
		task.Context = mergeContext(task.Context, map[string]any{"timeoutReason": "task exceeded its declared timeout"})
		if err := rc.Store.StoreTask(rc.Ctx, task); err != nil {
			return err
		}
		return rc.Enqueue(messages.CompleteTask(rc.Message, model.StatusTerminal), 0)
	}

	result, execErr := impl.Execute(rc.Ctx, stage, task)
	if execErr != nil {
		// Transient execution error: never persisted, re-queue RunTask.
		return rc.Requeue(rc.Retry.Delay(rc.Message.Attempts))
	}

	// Both fields land on the stage's context per Result's contract: a
	// ContextDelta is state a task family threads across its own sibling
	// tasks (e.g. the deploy family's regionIndex), while Outputs is the
	// subset meant for downstream stages to read. Stage context is the one
	// piece of state every task in the stage, not just the current row,
	// reads back via readDeployFlags-style helpers.
	if len(result.ContextDelta) > 0 || len(result.Outputs) > 0 {
		stage.Context = mergeContext(stage.Context, result.ContextDelta)
		stage.Context = mergeContext(stage.Context, result.Outputs)
		if err := rc.Store.UpdateStageContext(rc.Ctx, stage); err != nil {
			return err
		}
	}

	switch result.Status {
	case model.StatusSucceeded, model.StatusSkipped:
		return rc.Enqueue(messages.CompleteTask(rc.Message, result.Status), 0)

	case model.StatusRunning:
		backoff := result.BackoffPeriod
		if backoff <= 0 {
			backoff = 2 * time.Second
		}
		return rc.Requeue(retry.TaskBackoff(backoff))

	case model.StatusTerminal:
		if result.Reason != "" {
			task.Context = mergeContext(task.Context, map[string]any{"failureReason": result.Reason})
			if err := rc.Store.StoreTask(rc.Ctx, task); err != nil {
				return err
			}
		}
		return rc.Enqueue(messages.CompleteTask(rc.Message, model.StatusTerminal), 0)

	case model.StatusStopped:
		// A soft stop: this branch is done, but unlike TERMINAL it does not
		// cancel running siblings on its own — CompleteExecution only fails
		// the whole execution for it when the stage also declares
		// completeOtherBranchesThenFail (see deriveExecutionStatus).
		if result.Reason != "" {
			task.Context = mergeContext(task.Context, map[string]any{"stopReason": result.Reason})
			if err := rc.Store.StoreTask(rc.Ctx, task); err != nil {
				return err
			}
		}
		return rc.Enqueue(messages.CompleteTask(rc.Message, model.StatusStopped), 0)

	case model.StatusRedirect:
		return h.redirect(rc, stage, task)

	case model.StatusPaused:
		task.Status = model.StatusPaused
		return rc.Store.StoreTask(rc.Ctx, task)

	case model.StatusCanceled:
		return rc.Enqueue(messages.CancelStage(rc.Message, stage.ID), 0)

	default:
		return fmt.Errorf("run task: unexpected result status %q", result.Status)
	}
}

// redirect resets the loop range — from the marked loopStart task through
// the current task, inclusive — to NOT_STARTED and restarts it at the
// loop head. REDIRECT itself is never written to the task row.
func (h *TaskHandlers) redirect(rc *runtime.Context, stage *model.StageExecution, current *model.TaskExecution) error {
	all, err := rc.Store.RetrieveTasks(rc.Ctx, stage.ID)
	if err != nil {
		return err
	}
	// The loop head is the closest LoopStart task at or before current.
	loopStartIdx := -1
	for _, t := range all {
		if t.LoopStart && t.Index <= current.Index && t.Index > loopStartIdx {
			loopStartIdx = t.Index
		}
	}
	if loopStartIdx < 0 {
		loopStartIdx = current.Index
	}
	var head *model.TaskExecution
	for _, t := range all {
		if t.Index < loopStartIdx || t.Index > current.Index {
			continue
		}
		t.Status = model.StatusNotStarted
		t.StartTime = nil
		t.EndTime = nil
		if err := rc.Store.StoreTask(rc.Ctx, t); err != nil {
			return err
		}
		if t.Index == loopStartIdx {
			head = t
		}
	}
	if head == nil {
		return fmt.Errorf("redirect: loop head task not found at index %d", loopStartIdx)
	}
	startMsg := messages.StartTask(rc.Message, head.ID)
	return rc.Enqueue(startMsg, 0)
}

// CompleteTask records the task's final status — folding TERMINAL into
// FAILED_CONTINUE when the task or its stage declares continueOnFailure,
// while preserving the original status for introspection — then advances
// to the next task in the stage or, if this was the last, requests
// CompleteStage.
func (h *TaskHandlers) CompleteTask(rc *runtime.Context) error {
	task, stage, err := h.loadTaskAndStage(rc)
	if err != nil {
		return err
	}

	effective := rc.Message.Status
	if effective == model.StatusTerminal && (task.ContinueOnFailure() || stage.ContinueOnFailure()) {
		task.Context = mergeContext(task.Context, map[string]any{"originalStatus": string(model.StatusTerminal)})
		effective = model.StatusFailedContinue
	}

	if task.Status == effective && task.EndTime != nil {
		// Duplicate delivery of an already-finalized completion.
		return nil
	}

	now := time.Now()
	task.Status = effective
	task.EndTime = &now
	if err := rc.Store.StoreTask(rc.Ctx, task); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindTaskComplete, ExecutionID: rc.Message.ExecutionID, StageID: rc.Message.StageID, TaskID: rc.Message.TaskID, Status: effective})

	if task.StageEnd {
		return rc.Enqueue(messages.CompleteStage(stageMessage(rc.Message)), 0)
	}

	next, err := nextTask(rc, stage.ID, task.Index)
	if err != nil {
		return err
	}
	if next == nil {
		return rc.Enqueue(messages.CompleteStage(stageMessage(rc.Message)), 0)
	}
	return rc.Enqueue(messages.StartTask(stageMessage(rc.Message), next.ID), 0)
}

func nextTask(rc *runtime.Context, stageID uuid.UUID, currentIndex int) (*model.TaskExecution, error) {
	all, err := rc.Store.RetrieveTasks(rc.Ctx, stageID)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.Index == currentIndex+1 {
			return t, nil
		}
	}
	return nil, nil
}

// stageMessage strips the taskId from a task-tier message to produce the
// stage-tier message CompleteStage/StartTask-for-next-task travel as.
func stageMessage(m messages.Message) messages.Message {
	m.TaskID = nil
	m.Attempts = 0
	m.Status = ""
	return m
}

// PauseTask persists PAUSED without touching EndTime; ResumeTask reverses
// it, the one place the status lattice allows a non-terminal transition
// backward.
func (h *TaskHandlers) PauseTask(rc *runtime.Context) error {
	task, _, err := h.loadTaskAndStage(rc)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	task.Status = model.StatusPaused
	return rc.Store.StoreTask(rc.Ctx, task)
}

func (h *TaskHandlers) ResumeTask(rc *runtime.Context) error {
	task, _, err := h.loadTaskAndStage(rc)
	if err != nil {
		return err
	}
	if task.Status != model.StatusPaused {
		return nil
	}
	task.Status = model.StatusRunning
	if err := rc.Store.StoreTask(rc.Ctx, task); err != nil {
		return err
	}
	return rc.Enqueue(messages.RunTask(rc.Message), 0)
}

// InvalidTask is pushed by the dispatcher once a task-tier message exceeds
// its attempt cap. It force-finalizes the task TERMINAL with a synthetic
// reason so the stage can still converge instead of leaving a dangling
// RUNNING task forever.
func (h *TaskHandlers) InvalidTask(rc *runtime.Context) error {
	task, _, err := h.loadTaskAndStage(rc)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	now := time.Now()
	task.Status = model.StatusTerminal
	task.EndTime = &now
	task.Context = mergeContext(task.Context, map[string]any{"invalidReason": rc.Message.Reason})
	if err := rc.Store.StoreTask(rc.Ctx, task); err != nil {
		return err
	}
	rc.Publish(events.Event{Kind: events.KindTaskComplete, ExecutionID: rc.Message.ExecutionID, StageID: rc.Message.StageID, TaskID: rc.Message.TaskID, Status: model.StatusTerminal, Reason: rc.Message.Reason})
	return rc.Enqueue(messages.CompleteStage(stageMessage(rc.Message)), 0)
}
