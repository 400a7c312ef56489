package temporalx

import (
	"context"
	"fmt"
	"time"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/queue"
)

// Transport implements queue.Transport on top of Temporal: Push always
// signal-with-starts the one workflow that owns the target execution, so a
// fresh execution gets a new ExecutionWorkflow run and a follow-up message
// for a running one is simply delivered to it. Delivery, ordering, and
// retry from that point on are entirely Temporal's concern, so Poll never
// has anything to hand back — a process wired with this transport must run
// Runner instead of dispatcher.Dispatcher's poll loop.
type Transport struct {
	Client    temporalsdkclient.Client
	TaskQueue string
}

func NewTransport(client temporalsdkclient.Client, taskQueue string) *Transport {
	return &Transport{Client: client, TaskQueue: taskQueue}
}

func (t *Transport) Push(ctx context.Context, msg messages.Message, delay time.Duration) error {
	msg.DelaySeconds = int(delay / time.Second)
	workflowID := "execution-" + msg.ExecutionID.String()
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: t.TaskQueue,
	}
	// workflowArgs is always empty: the message that would start a new run
	// is delivered through the signal channel, same as for an already
	// running workflow, so ExecutionWorkflow never sees it twice.
	_, err := t.Client.SignalWithStartWorkflow(ctx, workflowID, SignalMessage, msg, opts, ExecutionWorkflow, []messages.Message(nil))
	if err != nil {
		return fmt.Errorf("temporalx: signal-with-start: %w", err)
	}
	return nil
}

func (t *Transport) Poll(ctx context.Context) (*messages.Message, queue.Handle, error) {
	return nil, nil, nil
}

func (t *Transport) Ack(ctx context.Context, handle queue.Handle) error { return nil }

func (t *Transport) Nack(ctx context.Context, handle queue.Handle, delay time.Duration) error {
	return nil
}
