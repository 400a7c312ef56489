// Package model defines the durable entities the scheduler operates on —
// PipelineExecution, StageExecution, TaskExecution — and the status lattice
// shared by all three. This package is data only: no queue, no persistence
// I/O, no handler logic. Everything here must be safe to marshal to JSON and
// reload verbatim after a process restart.
package model

// Status is the lifecycle value shared by executions, stages, and tasks.
// Not every status applies to every entity (PipelineExecution never reaches
// SKIPPED, for instance) but the lattice and its terminal set are the same
// everywhere so handlers can reason about "terminal" once.
type Status string

const (
	StatusNotStarted     Status = "NOT_STARTED"
	StatusRunning        Status = "RUNNING"
	StatusPaused         Status = "PAUSED"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusFailedContinue Status = "FAILED_CONTINUE"
	StatusSkipped        Status = "SKIPPED"
	StatusStopped        Status = "STOPPED"
	StatusTerminal       Status = "TERMINAL"
	StatusCanceled       Status = "CANCELED"

	// StatusRedirect is a transient task-only signal. It is never written to
	// a TaskExecution row; the task driver observes it as a return value and
	// converts it into a loop-range reset, never persisting it.
	StatusRedirect Status = "REDIRECT"
)

// terminal is the set of statuses from which no further transition occurs,
// except the RUNNING<->PAUSED reversal, which is handled separately since
// PAUSED is not terminal.
var terminal = map[Status]bool{
	StatusSucceeded:      true,
	StatusFailedContinue: true,
	StatusSkipped:        true,
	StatusStopped:        true,
	StatusTerminal:       true,
	StatusCanceled:       true,
}

func (s Status) IsTerminal() bool { return terminal[s] }

// stageComplete is the set of stage statuses that let scheduling continue
// past this stage: a downstream stage's requisites are satisfied once every
// upstream reaches one of these.
var stageComplete = map[Status]bool{
	StatusSucceeded:      true,
	StatusFailedContinue: true,
	StatusSkipped:        true,
}

func (s Status) IsStageComplete() bool { return stageComplete[s] }

// Rank gives a total order consistent with the lattice's partial order, used
// only to pick the "worst" of a set of sibling statuses (CompleteStage
// folding, CompleteExecution derivation). Two statuses that are incomparable
// in the partial order (e.g. SKIPPED vs FAILED_CONTINUE) get arbitrary but
// stable relative ranks; callers needing the true partial order use the
// dedicated predicates instead (IsTerminal, IsStageComplete).
func (s Status) Rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusRunning, StatusPaused:
		return 1
	case StatusSkipped:
		return 2
	case StatusFailedContinue:
		return 3
	case StatusSucceeded:
		return 4
	case StatusStopped:
		return 5
	case StatusCanceled:
		return 6
	case StatusTerminal:
		return 7
	default:
		return -1
	}
}

// Worst returns whichever of a, b sorts higher by Rank, used to fold a set
// of task or stage statuses down to one summary status.
func Worst(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
