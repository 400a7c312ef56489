// Package messages defines the closed set of commands the dispatcher routes
// to handlers. A Kind plus its execution/stage/task identity is the
// idempotency key every handler must treat transitions as safe to repeat on.
package messages

// Kind is a message taxonomy tag. The set is closed: the dispatcher's
// registry is built once at process start from exactly these values, not
// discovered via reflection.
type Kind string

const (
	// Execution tier.
	KindStartExecution          Kind = "StartExecution"
	KindCompleteExecution       Kind = "CompleteExecution"
	KindCancelExecution         Kind = "CancelExecution"
	KindResumeExecution         Kind = "ResumeExecution"
	KindStartWaitingExecutions  Kind = "StartWaitingExecutions"
	KindRescheduleExecution     Kind = "RescheduleExecution"

	// Stage tier.
	KindStartStage          Kind = "StartStage"
	KindCompleteStage       Kind = "CompleteStage"
	KindSkipStage           Kind = "SkipStage"
	KindAbortStage          Kind = "AbortStage"
	KindCancelStage         Kind = "CancelStage"
	KindRestartStage        Kind = "RestartStage"
	KindPauseStage          Kind = "PauseStage"
	KindResumeStage         Kind = "ResumeStage"
	KindContinueParentStage Kind = "ContinueParentStage"

	// Task tier.
	KindStartTask    Kind = "StartTask"
	KindRunTask      Kind = "RunTask"
	KindCompleteTask Kind = "CompleteTask"
	KindPauseTask    Kind = "PauseTask"
	KindResumeTask   Kind = "ResumeTask"
	KindInvalidTask  Kind = "InvalidTask"

	// Invalid markers pushed by the dispatcher once a message exceeds its
	// attempt cap; not emitted by any handler directly.
	KindInvalidExecution Kind = "InvalidExecution"
	KindInvalidStage     Kind = "InvalidStage"
)

// Tier groups a Kind into its execution/stage/task family, used by the
// dispatcher to pick the Invalid marker kind for a message it gives up on.
// The handler registry is keyed by Kind, and the soft lock is taken per
// execution for every tier.
type Tier string

const (
	TierExecution Tier = "execution"
	TierStage     Tier = "stage"
	TierTask      Tier = "task"
)

var tierOf = map[Kind]Tier{
	KindStartExecution:         TierExecution,
	KindCompleteExecution:      TierExecution,
	KindCancelExecution:        TierExecution,
	KindResumeExecution:        TierExecution,
	KindStartWaitingExecutions: TierExecution,
	KindRescheduleExecution:    TierExecution,
	KindInvalidExecution:       TierExecution,

	KindStartStage:          TierStage,
	KindCompleteStage:       TierStage,
	KindSkipStage:           TierStage,
	KindAbortStage:          TierStage,
	KindCancelStage:         TierStage,
	KindRestartStage:        TierStage,
	KindPauseStage:          TierStage,
	KindResumeStage:         TierStage,
	KindContinueParentStage: TierStage,
	KindInvalidStage:        TierStage,

	KindStartTask:    TierTask,
	KindRunTask:      TierTask,
	KindCompleteTask: TierTask,
	KindPauseTask:    TierTask,
	KindResumeTask:   TierTask,
	KindInvalidTask:  TierTask,
}

func (k Kind) Tier() Tier { return tierOf[k] }
