package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
	"github.com/forgepipe/enginecore/internal/pipeline/tasks"
)

// fakeTask is a tasks.Task test double returning a scripted sequence of
// results, one per call, so a test can drive RunTask through several ticks.
type fakeTask struct {
	results []tasks.Result
	errs    []error
	calls   int
	timeout time.Duration
}

func (f *fakeTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (tasks.Result, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], err
	}
	return f.results[len(f.results)-1], err
}

func (f *fakeTask) Timeout() time.Duration { return f.timeout }

func newTaskHandlers() (*TaskHandlers, *tasks.Registry) {
	reg := tasks.NewRegistry()
	return &TaskHandlers{Tasks: reg}, reg
}

func TestStartTaskMarksRunningAndEnqueuesRunTask(t *testing.T) {
	h := newHarness(t)
	th, _ := newTaskHandlers()
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusNotStarted}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), task.ID)
	if err := th.StartTask(h.rc(msg)); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	got, err := h.db.RetrieveTask(h.ctx, task.ID)
	if err != nil {
		t.Fatalf("RetrieveTask: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", got.Status)
	}
	if got.StartTime == nil {
		t.Fatalf("expected StartTime to be stamped")
	}
	if !h.queue.has(messages.KindRunTask) {
		t.Fatalf("expected RunTask to be enqueued")
	}
}

func TestRunTaskCompletesOnSuccess(t *testing.T) {
	h := newHarness(t)
	th, reg := newTaskHandlers()
	impl := &fakeTask{results: []tasks.Result{{Status: model.StatusSucceeded}}}
	reg.Register("build.compile", impl)

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.RunTask(messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), task.ID))
	if err := th.RunTask(h.rc(msg)); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if !h.queue.has(messages.KindCompleteTask) {
		t.Fatalf("expected CompleteTask to be enqueued on success")
	}
}

func TestRunTaskRequeuesOnRunningResult(t *testing.T) {
	h := newHarness(t)
	th, reg := newTaskHandlers()
	impl := &fakeTask{results: []tasks.Result{{Status: model.StatusRunning, BackoffPeriod: time.Second}}}
	reg.Register("build.compile", impl)

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.RunTask(messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), task.ID))
	if err := th.RunTask(h.rc(msg)); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if !h.queue.has(messages.KindRunTask) {
		t.Fatalf("expected RunTask to be requeued while the task is still RUNNING, pushed=%v", h.queue.kinds())
	}
	got, err := h.db.RetrieveTask(h.ctx, task.ID)
	if err != nil {
		t.Fatalf("RetrieveTask: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("expected the task row to stay RUNNING (transient), got %s", got.Status)
	}
}

func TestRunTaskRetriesOnTransientExecutionError(t *testing.T) {
	h := newHarness(t)
	th, reg := newTaskHandlers()
	impl := &fakeTask{results: []tasks.Result{{}}, errs: []error{errors.New("transient")}}
	reg.Register("build.compile", impl)

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.RunTask(messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), task.ID))
	if err := th.RunTask(h.rc(msg)); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if !h.queue.has(messages.KindRunTask) {
		t.Fatalf("expected a transient execution error to requeue RunTask, not finalize")
	}
}

func TestRunTaskWithUnregisteredImplementationForcesTerminalCompletion(t *testing.T) {
	h := newHarness(t)
	th, _ := newTaskHandlers()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "no.such.impl", Status: model.StatusRunning}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.RunTask(messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), task.ID))
	if err := th.RunTask(h.rc(msg)); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if !h.queue.has(messages.KindCompleteTask) {
		t.Fatalf("expected an unregistered implementing type to force a TERMINAL CompleteTask")
	}
}

func TestRunTaskRedirectResetsLoopRangeAndRestartsAtHead(t *testing.T) {
	h := newHarness(t)
	th, reg := newTaskHandlers()
	impl := &fakeTask{results: []tasks.Result{{Status: model.StatusRedirect}}}
	reg.Register("deploy.enable", impl)

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "deploy", Type: "deploy", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	head := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "disable-us-east", ImplementingType: "deploy.disable", Status: model.StatusSucceeded, LoopStart: true}
	current := &model.TaskExecution{StageID: stage.ID, Index: 1, Name: "enable-us-west", ImplementingType: "deploy.enable", Status: model.StatusRunning}
	if err := h.db.StoreTask(h.ctx, head); err != nil {
		t.Fatalf("store head: %v", err)
	}
	if err := h.db.StoreTask(h.ctx, current); err != nil {
		t.Fatalf("store current: %v", err)
	}

	msg := messages.RunTask(messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), current.ID))
	if err := th.RunTask(h.rc(msg)); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	gotHead, err := h.db.RetrieveTask(h.ctx, head.ID)
	if err != nil {
		t.Fatalf("RetrieveTask head: %v", err)
	}
	if gotHead.Status != model.StatusNotStarted {
		t.Fatalf("expected the loop head to be reset to NOT_STARTED, got %s", gotHead.Status)
	}
	gotCurrent, err := h.db.RetrieveTask(h.ctx, current.ID)
	if err != nil {
		t.Fatalf("RetrieveTask current: %v", err)
	}
	if gotCurrent.Status != model.StatusNotStarted {
		t.Fatalf("expected the current task to be reset to NOT_STARTED, got %s", gotCurrent.Status)
	}
	if !h.queue.has(messages.KindStartTask) {
		t.Fatalf("expected StartTask to be enqueued for the loop head")
	}
}

func TestCompleteTaskAdvancesToNextTask(t *testing.T) {
	h := newHarness(t)
	th, _ := newTaskHandlers()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	first := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning}
	second := &model.TaskExecution{StageID: stage.ID, Index: 1, Name: "package", ImplementingType: "build.package", Status: model.StatusNotStarted, StageEnd: true}
	if err := h.db.StoreTask(h.ctx, first); err != nil {
		t.Fatalf("store first: %v", err)
	}
	if err := h.db.StoreTask(h.ctx, second); err != nil {
		t.Fatalf("store second: %v", err)
	}

	msg := messages.CompleteTask(messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), first.ID), model.StatusSucceeded)
	if err := th.CompleteTask(h.rc(msg)); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, err := h.db.RetrieveTask(h.ctx, first.ID)
	if err != nil {
		t.Fatalf("RetrieveTask: %v", err)
	}
	if got.Status != model.StatusSucceeded || got.EndTime == nil {
		t.Fatalf("expected the completed task to be SUCCEEDED with EndTime set, got %+v", got)
	}
	if !h.queue.has(messages.KindStartTask) {
		t.Fatalf("expected StartTask to be enqueued for the next task, pushed=%v", h.queue.kinds())
	}
}

func TestCompleteTaskRequestsCompleteStageWhenStageEnd(t *testing.T) {
	h := newHarness(t)
	th, _ := newTaskHandlers()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	only := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning, StageEnd: true}
	if err := h.db.StoreTask(h.ctx, only); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.CompleteTask(messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), only.ID), model.StatusSucceeded)
	if err := th.CompleteTask(h.rc(msg)); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !h.queue.has(messages.KindCompleteStage) {
		t.Fatalf("expected CompleteStage to be enqueued for the last task in the stage")
	}
}

func TestCompleteTaskFoldsTerminalToFailedContinueWhenStageContinuesOnFailure(t *testing.T) {
	h := newHarness(t)
	th, _ := newTaskHandlers()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{
		ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning,
		Context: []byte(`{"continueOnFailure":true}`),
	}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning, StageEnd: true}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.CompleteTask(messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), task.ID), model.StatusTerminal)
	if err := th.CompleteTask(h.rc(msg)); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, err := h.db.RetrieveTask(h.ctx, task.ID)
	if err != nil {
		t.Fatalf("RetrieveTask: %v", err)
	}
	if got.Status != model.StatusFailedContinue {
		t.Fatalf("expected FAILED_CONTINUE, got %s", got.Status)
	}
}

func TestPauseThenResumeTaskRoundTrips(t *testing.T) {
	h := newHarness(t)
	th, _ := newTaskHandlers()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	pauseMsg := messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), task.ID)
	pauseMsg.Kind = messages.KindPauseTask
	if err := th.PauseTask(h.rc(pauseMsg)); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	gotPaused, err := h.db.RetrieveTask(h.ctx, task.ID)
	if err != nil {
		t.Fatalf("RetrieveTask: %v", err)
	}
	if gotPaused.Status != model.StatusPaused {
		t.Fatalf("expected PAUSED, got %s", gotPaused.Status)
	}

	resumeMsg := pauseMsg
	resumeMsg.Kind = messages.KindResumeTask
	if err := th.ResumeTask(h.rc(resumeMsg)); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	gotResumed, err := h.db.RetrieveTask(h.ctx, task.ID)
	if err != nil {
		t.Fatalf("RetrieveTask: %v", err)
	}
	if gotResumed.Status != model.StatusRunning {
		t.Fatalf("expected RUNNING after resume, got %s", gotResumed.Status)
	}
	if !h.queue.has(messages.KindRunTask) {
		t.Fatalf("expected ResumeTask to re-enqueue RunTask")
	}
}

func TestInvalidTaskForcesTerminalAndCompletesStage(t *testing.T) {
	h := newHarness(t)
	th, _ := newTaskHandlers()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	base := messages.StartTask(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID), task.ID)
	marker := messages.InvalidMarker(messages.KindInvalidTask, base, "attempt cap exceeded")
	if err := th.InvalidTask(h.rc(marker)); err != nil {
		t.Fatalf("InvalidTask: %v", err)
	}

	got, err := h.db.RetrieveTask(h.ctx, task.ID)
	if err != nil {
		t.Fatalf("RetrieveTask: %v", err)
	}
	if got.Status != model.StatusTerminal {
		t.Fatalf("expected TERMINAL, got %s", got.Status)
	}
	if !h.queue.has(messages.KindCompleteStage) {
		t.Fatalf("expected CompleteStage to be enqueued so the stage can still converge")
	}
}
