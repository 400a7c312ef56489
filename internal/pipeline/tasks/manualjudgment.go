package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// manualJudgmentFlags is the typed view of the context keys the API writes
// when an operator judges a stage; everything else in the stage's context
// round-trips untouched.
type manualJudgmentFlags struct {
	Judgment string `json:"judgment,omitempty"` // "approved" | "rejected"
	Reason   string `json:"judgmentReason,omitempty"`
	// StopStatus asks a rejection to stop this branch (STOPPED) rather than
	// fail it outright (TERMINAL). Paired with the stage's own
	// completeOtherBranchesThenFail flag, this is how an operator can reject
	// a gate on one branch of a fan-out without canceling branches already
	// in flight.
	StopStatus bool `json:"judgmentStopStatus,omitempty"`
}

// ManualJudgmentTask implements the "authorization failure at manual gates"
// policy directly: absent a judgment, it is not an error at all, just
// RUNNING, so the stage waits indefinitely for an authorized principal
// without ever surfacing a failure.
type ManualJudgmentTask struct {
	PollInterval time.Duration
}

func (t ManualJudgmentTask) Timeout() time.Duration { return 0 }

func (t ManualJudgmentTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error) {
	var flags manualJudgmentFlags
	if len(stage.Context) > 0 {
		_ = json.Unmarshal(stage.Context, &flags)
	}
	switch flags.Judgment {
	case "approved":
		return Result{Status: model.StatusSucceeded}, nil
	case "rejected":
		if flags.StopStatus {
			return Result{Status: model.StatusStopped, Reason: flags.Reason}, nil
		}
		return Result{Status: model.StatusTerminal, Reason: flags.Reason}, nil
	default:
		backoff := t.PollInterval
		if backoff <= 0 {
			backoff = 15 * time.Second
		}
		return Result{Status: model.StatusRunning, BackoffPeriod: backoff}, nil
	}
}
