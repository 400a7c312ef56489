package temporalx

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/forgepipe/enginecore/internal/pipeline/admission"
	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/dispatcher"
	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/queue"
	"github.com/forgepipe/enginecore/internal/pipeline/retry"
	"github.com/forgepipe/enginecore/internal/pipeline/store"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// Runner hosts the Temporal worker process for enginecore's one workflow
// type (ExecutionWorkflow) and one activity (Activities.ApplyMessage),
// the same shape as the teacher's temporalworker.Runner.
type Runner struct {
	log    *logger.Logger
	client temporalsdkclient.Client
	queue  string
	acts   *Activities
	w      worker.Worker
}

func NewRunner(
	log *logger.Logger,
	client temporalsdkclient.Client,
	taskQueue string,
	transport queue.Transport,
	st store.Store,
	bus events.Bus,
	cat *catalog.Registry,
	adm *admission.Admitter,
	retryPolicy retry.Policy,
	registry *dispatcher.Registry,
) *Runner {
	return &Runner{
		log:    log,
		client: client,
		queue:  taskQueue,
		acts: &Activities{
			Store:     st,
			Transport: transport,
			Events:    bus,
			Catalog:   cat,
			Admission: adm,
			Retry:     retryPolicy,
			Registry:  registry,
			Log:       log,
		},
	}
}

// Start registers the workflow and activity against TaskQueue and begins
// polling; it returns once the worker has started, stopping it in the
// background when ctx is canceled.
func (r *Runner) Start(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("temporalx: client not configured")
	}
	w := worker.New(r.client, r.queue, worker.Options{})
	w.RegisterWorkflowWithOptions(ExecutionWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(r.acts.ApplyMessage, activity.RegisterOptions{Name: ActivityApply})

	if err := w.Start(); err != nil {
		return fmt.Errorf("temporal worker start: %w", err)
	}
	r.w = w
	r.log.Info("temporal worker started", "taskQueue", r.queue)
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

func (r *Runner) Stop() {
	if r != nil && r.w != nil {
		r.w.Stop()
	}
}
