package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TaskExecution is one unit of work within a stage. Most stages carry a
// short fixed sequence of tasks built by their StageBuilder (e.g.
// createServerGroup -> waitForUpInstances); a handful loop (deploy's
// disable/enable-per-region cycle), which is where REDIRECT applies.
//
// Invariants:
//  1. EndTime is set when Status becomes terminal.
//  2. StartTime is set by StartTask; a REDIRECT loop reset or a
//     RestartStage clears StartTime and EndTime for the re-run.
//  3. A REDIRECT return value from RunTask never appears in Status; the
//     task driver resets every task from the loop head through the
//     redirecting task to NOT_STARTED and enqueues StartTask for the head.
//     LoopStart itself is not modified.
type TaskExecution struct {
	ID      uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	StageID uuid.UUID `gorm:"type:uuid;not null;index" json:"stageId"`

	// Name is the human label shown in UIs; ImplementingType is the key into
	// the task handler registry.
	Name             string `gorm:"not null" json:"name"`
	ImplementingType string `gorm:"not null" json:"implementingType"`

	// Index is this task's position in its stage's task list, used to
	// resume at LoopStart after a REDIRECT.
	Index int `gorm:"not null" json:"index"`

	Status    Status     `gorm:"not null;index" json:"status"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	// LoopStart marks this task as the head of a repeatable sub-sequence.
	// A REDIRECT return from any task at or after the nearest preceding
	// LoopStart task resets that whole range back to NOT_STARTED and
	// restarts at the head.
	LoopStart bool `gorm:"not null;default:false" json:"loopStart"`

	// StageEnd marks the last task of a stage's own task list: when a task
	// with StageEnd set completes, CompleteTask enqueues CompleteStage
	// instead of starting the next task.
	StageEnd bool `gorm:"not null;default:false" json:"stageEnd"`

	Context datatypes.JSON `gorm:"type:jsonb" json:"context,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updatedAt"`
}

func (TaskExecution) TableName() string { return "task_execution" }

type taskFlags struct {
	ContinueOnFailure bool `json:"continueOnFailure,omitempty"`
}

// ContinueOnFailure reports this task's own continueOnFailure context flag;
// CompleteTask ORs it with the parent stage's flag.
func (t *TaskExecution) ContinueOnFailure() bool {
	var f taskFlags
	if len(t.Context) > 0 {
		_ = json.Unmarshal(t.Context, &f)
	}
	return f.ContinueOnFailure
}
