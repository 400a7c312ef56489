package handlers

import (
	"testing"

	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// fakeBuilder is a minimal catalog.Builder test double: a fixed task list,
// no synthetic children unless the test sets them, and an optional cancel
// hook recorded for assertions.
type fakeBuilder struct {
	tasks        []catalog.TaskSpec
	before       []catalog.StageSpec
	after        []catalog.StageSpec
	canceled     bool
	cancelErr    error
}

func (b *fakeBuilder) TaskGraph(stage *model.StageExecution) ([]catalog.TaskSpec, error) { return b.tasks, nil }
func (b *fakeBuilder) BeforeStages(stage *model.StageExecution) ([]catalog.StageSpec, error) {
	return b.before, nil
}
func (b *fakeBuilder) AfterStages(stage *model.StageExecution) ([]catalog.StageSpec, error) {
	return b.after, nil
}
func (b *fakeBuilder) Cancel(stage *model.StageExecution) error {
	b.canceled = true
	return b.cancelErr
}

func TestStartStageExpandsTasksOnFirstDelivery(t *testing.T) {
	h := newHarness(t)
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusNotStarted}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}

	builder := &fakeBuilder{tasks: []catalog.TaskSpec{
		{Name: "compile", ImplementingType: "build.compile"},
		{Name: "package", ImplementingType: "build.package"},
	}}
	h.catalog.Register("build", builder)

	msg := messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID)
	if err := StartStage(h.rc(msg)); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	tasks, err := h.db.RetrieveTasks(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks persisted from the builder's task graph, got %d", len(tasks))
	}
	if !h.queue.has(messages.KindStartTask) {
		t.Fatalf("expected StartTask to be enqueued for the first task")
	}

	got, err := h.db.RetrieveStage(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveStage: %v", err)
	}
	if !got.SyntheticExpanded {
		t.Fatalf("expected SyntheticExpanded to be set after expansion")
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", got.Status)
	}
}

func TestStartStageDoesNotReexpandOnRedelivery(t *testing.T) {
	h := newHarness(t)
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{
		ExecutionID: exec.ID, RefID: "build", Type: "build",
		Status: model.StatusRunning, SyntheticExpanded: true,
	}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusNotStarted}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	builder := &fakeBuilder{tasks: []catalog.TaskSpec{{Name: "should-not-run", ImplementingType: "x"}}}
	h.catalog.Register("build", builder)

	msg := messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID)
	if err := StartStage(h.rc(msg)); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	tasks, err := h.db.RetrieveTasks(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected the already-expanded task list to be left untouched, got %d tasks", len(tasks))
	}
}

func TestCompleteStageRequeuesUntilTasksConverge(t *testing.T) {
	h := newHarness(t)
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning, SyntheticExpanded: true}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusRunning}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.CompleteStage(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID))
	if err := CompleteStage(h.rc(msg)); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}

	if !h.queue.has(messages.KindCompleteStage) {
		t.Fatalf("expected CompleteStage to requeue itself while the task is still running")
	}
	got, err := h.db.RetrieveStage(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveStage: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("stage must not finalize while a task is still running, got %s", got.Status)
	}
}

func TestCompleteStagePropagatesToDownstreamOnSuccess(t *testing.T) {
	h := newHarness(t)
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	build := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning, SyntheticExpanded: true}
	deploy := &model.StageExecution{
		ExecutionID: exec.ID, RefID: "deploy", Type: "deploy", Status: model.StatusNotStarted,
		RequisiteStageRefIds: []string{"build"},
	}
	if err := h.db.StoreStage(h.ctx, build); err != nil {
		t.Fatalf("store build: %v", err)
	}
	if err := h.db.StoreStage(h.ctx, deploy); err != nil {
		t.Fatalf("store deploy: %v", err)
	}
	task := &model.TaskExecution{StageID: build.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusSucceeded}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.CompleteStage(messages.StartStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), build.ID))
	if err := CompleteStage(h.rc(msg)); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}

	got, err := h.db.RetrieveStage(h.ctx, build.ID)
	if err != nil {
		t.Fatalf("RetrieveStage: %v", err)
	}
	if got.Status != model.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.Status)
	}
	if !h.queue.has(messages.KindStartStage) {
		t.Fatalf("expected the downstream deploy stage to be started, pushed=%v", h.queue.kinds())
	}
}

func TestSkipStageFinalizesWithoutWaitingOnTasks(t *testing.T) {
	h := newHarness(t)
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusNotStarted}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}

	msg := messages.SkipStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID)
	if err := SkipStage(h.rc(msg)); err != nil {
		t.Fatalf("SkipStage: %v", err)
	}

	got, err := h.db.RetrieveStage(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveStage: %v", err)
	}
	if got.Status != model.StatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", got.Status)
	}
}

func TestAbortStageForcesTerminalAndCancels(t *testing.T) {
	h := newHarness(t)
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}

	msg := messages.AbortStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), stage.ID)
	if err := AbortStage(h.rc(msg)); err != nil {
		t.Fatalf("AbortStage: %v", err)
	}

	got, err := h.db.RetrieveStage(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveStage: %v", err)
	}
	if got.Status != model.StatusTerminal {
		t.Fatalf("expected TERMINAL, got %s", got.Status)
	}
	if !h.queue.has(messages.KindCancelStage) {
		t.Fatalf("expected a CancelStage side-effect signal to be enqueued")
	}
	if !h.queue.has(messages.KindCompleteExecution) {
		t.Fatalf("expected a top-level abort to drive CompleteExecution")
	}
}

func TestCancelStageInvokesCancelableHookOnlyWhenRunningOrTerminal(t *testing.T) {
	h := newHarness(t)
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}

	notStarted := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusNotStarted}
	if err := h.db.StoreStage(h.ctx, notStarted); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	builder := &fakeBuilder{}
	h.catalog.Register("build", builder)

	msg := messages.CancelStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), notStarted.ID)
	if err := CancelStage(h.rc(msg)); err != nil {
		t.Fatalf("CancelStage (not started): %v", err)
	}
	if builder.canceled {
		t.Fatalf("CancelStage must not invoke the cancel hook for a stage that never started")
	}

	running := &model.StageExecution{ExecutionID: exec.ID, RefID: "deploy", Type: "deploy", Status: model.StatusRunning}
	if err := h.db.StoreStage(h.ctx, running); err != nil {
		t.Fatalf("store running stage: %v", err)
	}
	deployBuilder := &fakeBuilder{}
	h.catalog.Register("deploy", deployBuilder)

	msg2 := messages.CancelStage(messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout"), running.ID)
	if err := CancelStage(h.rc(msg2)); err != nil {
		t.Fatalf("CancelStage (running): %v", err)
	}
	if !deployBuilder.canceled {
		t.Fatalf("expected the cancel hook to run for a RUNNING stage")
	}
}

func TestPauseThenResumeStageRoundTrips(t *testing.T) {
	h := newHarness(t)
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

	pauseMsg := messages.Message{Kind: messages.KindPauseStage, ExecutionType: model.ExecutionTypePipeline, ExecutionID: exec.ID, Application: "checkout", StageID: &stage.ID}
	if err := PauseStage(h.rc(pauseMsg)); err != nil {
		t.Fatalf("PauseStage: %v", err)
	}
	gotPaused, err := h.db.RetrieveStage(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveStage: %v", err)
	}
	if gotPaused.Status != model.StatusPaused {
		t.Fatalf("expected PAUSED, got %s", gotPaused.Status)
	}
	if !h.queue.has(messages.KindPauseTask) {
		t.Fatalf("expected PauseTask to be enqueued for the running task")
	}

	resumeMsg := messages.Message{Kind: messages.KindResumeStage, ExecutionType: model.ExecutionTypePipeline, ExecutionID: exec.ID, Application: "checkout", StageID: &stage.ID}
	if err := ResumeStage(h.rc(resumeMsg)); err != nil {
		t.Fatalf("ResumeStage: %v", err)
	}
	gotResumed, err := h.db.RetrieveStage(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveStage: %v", err)
	}
	if gotResumed.Status != model.StatusRunning {
		t.Fatalf("expected RUNNING after resume, got %s", gotResumed.Status)
	}
}

func TestRestartStageResetsTasksAndReStarts(t *testing.T) {
	h := newHarness(t)
	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusRunning}
	if err := h.db.Store(h.ctx, exec); err != nil {
		t.Fatalf("store exec: %v", err)
	}
	stage := &model.StageExecution{ExecutionID: exec.ID, RefID: "build", Type: "build", Status: model.StatusTerminal, SyntheticExpanded: true}
	if err := h.db.StoreStage(h.ctx, stage); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	task := &model.TaskExecution{StageID: stage.ID, Index: 0, Name: "compile", ImplementingType: "build.compile", Status: model.StatusTerminal}
	if err := h.db.StoreTask(h.ctx, task); err != nil {
		t.Fatalf("store task: %v", err)
	}

	msg := messages.Message{Kind: messages.KindRestartStage, ExecutionType: model.ExecutionTypePipeline, ExecutionID: exec.ID, Application: "checkout", StageID: &stage.ID}
	if err := RestartStage(h.rc(msg)); err != nil {
		t.Fatalf("RestartStage: %v", err)
	}

	gotStage, err := h.db.RetrieveStage(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveStage: %v", err)
	}
	if gotStage.Status != model.StatusNotStarted {
		t.Fatalf("expected NOT_STARTED after restart, got %s", gotStage.Status)
	}
	gotTasks, err := h.db.RetrieveTasks(h.ctx, stage.ID)
	if err != nil {
		t.Fatalf("RetrieveTasks: %v", err)
	}
	if gotTasks[0].Status != model.StatusNotStarted {
		t.Fatalf("expected the task to be reset to NOT_STARTED, got %s", gotTasks[0].Status)
	}
	if !h.queue.has(messages.KindStartStage) {
		t.Fatalf("expected RestartStage to re-drive StartStage")
	}
}
