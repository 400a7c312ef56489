package temporalx

import (
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/forgepipe/enginecore/internal/pipeline/messages"
)

const (
	continueTickLimit    = 2000
	continueHistoryLimit = 15000
)

// ExecutionWorkflow owns one pipeline execution end to end. It never
// decides what happens next itself: every message queued for this
// execution — including the ones a handler enqueues as a side effect of
// running — arrives as a signal and is applied through ApplyMessage, the
// same handler registry the poll-based dispatcher drives. The workflow
// exits once a tick reports the execution terminal.
func ExecutionWorkflow(ctx workflow.Context, pending []messages.Message) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 1.5,
			MaximumInterval:    10 * time.Minute,
			MaximumAttempts:    1000,
		},
	})

	ch := workflow.GetSignalChannel(ctx, SignalMessage)
	ticks := 0

	for {
		for len(pending) > 0 {
			msg := pending[0]
			pending = pending[1:]

			if msg.DelaySeconds > 0 {
				if err := workflow.Sleep(ctx, time.Duration(msg.DelaySeconds)*time.Second); err != nil {
					return err
				}
			}

			var out tickResult
			if err := workflow.ExecuteActivity(ctx, ActivityApply, msg).Get(ctx, &out); err != nil {
				return err
			}
			ticks++
			if out.Done {
				return nil
			}
		}

		if shouldContinueAsNew(ctx, ticks) {
			return workflow.NewContinueAsNewError(ctx, ExecutionWorkflow, pending)
		}

		var msg messages.Message
		ch.Receive(ctx, &msg)
		pending = append(pending, msg)
	}
}

func shouldContinueAsNew(ctx workflow.Context, ticks int) bool {
	if ticks >= continueTickLimit {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil {
		return false
	}
	return info.GetCurrentHistoryLength() >= continueHistoryLimit
}
