package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SyntheticStageOwner marks which side of its parent's own tasks a synthetic
// child stage runs on.
type SyntheticStageOwner string

const (
	SyntheticOwnerBefore SyntheticStageOwner = "STAGE_BEFORE"
	SyntheticOwnerAfter  SyntheticStageOwner = "STAGE_AFTER"
)

// LastModified records the principal and time of the last manual operation
// on a stage (pause/resume/skip/restart), for audit and UI display only —
// the scheduler does not gate behavior on it except via context flags.
type LastModified struct {
	User      string    `json:"user,omitempty"`
	LastModifiedTime time.Time `json:"lastModifiedTime,omitzero"`
}

// StageExecution is one node of an execution's DAG: a bundle of tasks plus
// synthetic before/after/parallel children.
//
// Invariants:
//  1. No cycles in the RefID dependency graph (checked at expansion time by
//     the catalog's DAG validator; if one slips through, the scheduler marks
//     the stage TERMINAL rather than looping forever).
//  2. Synthetic children of a stage run entirely before (STAGE_BEFORE) or
//     after (STAGE_AFTER) the parent's own tasks.
//  3. A stage's status reaches a terminal value only when all its tasks and
//     all its synthetic children are terminal.
//  4. EndTime is set exactly when Status first becomes terminal.
type StageExecution struct {
	ID    uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	RefID string    `gorm:"not null;index" json:"refId"`

	ExecutionID uuid.UUID `gorm:"type:uuid;not null;index" json:"executionId"`

	Type string `gorm:"not null" json:"type"`
	Name string `json:"name,omitempty"`

	Status    Status     `gorm:"not null;index" json:"status"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	RequisiteStageRefIds datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"requisiteStageRefIds,omitempty"`

	ParentStageID       *uuid.UUID           `gorm:"type:uuid;index" json:"parentStageId,omitempty"`
	SyntheticStageOwner *SyntheticStageOwner `json:"syntheticStageOwner,omitempty"`
	// SyntheticExpanded guards the "expand on demand, never at submission
	// time, but persist the result so a restart yields the same shape" rule:
	// once true, StartStage must not re-run the builder's before/after/
	// parallel hooks.
	SyntheticExpanded bool `gorm:"not null;default:false" json:"syntheticExpanded"`

	Tasks []*TaskExecution `gorm:"-" json:"tasks,omitempty"`

	Context datatypes.JSON `gorm:"type:jsonb" json:"context,omitempty"`

	LastModified *LastModified `gorm:"embedded;embeddedPrefix:last_modified_" json:"lastModified,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updatedAt"`
}

func (StageExecution) TableName() string { return "stage_execution" }

type stageFlags struct {
	ManualSkip                    bool `json:"manualSkip,omitempty"`
	CompleteOtherBranchesThenFail bool `json:"completeOtherBranchesThenFail,omitempty"`
	ContinueOnFailure             bool `json:"continueOnFailure,omitempty"`
}

func (s *StageExecution) flags() stageFlags {
	var f stageFlags
	if len(s.Context) > 0 {
		_ = json.Unmarshal(s.Context, &f)
	}
	return f
}

// ManualSkip reports whether an operator has marked this stage for a
// manual skip, honored only when the stage's builder allows it.
func (s *StageExecution) ManualSkip() bool { return s.flags().ManualSkip }

// CompleteOtherBranchesThenFail reports the context flag that changes
// CancelStage-on-siblings behavior: when set, siblings are left to finish
// naturally instead of being canceled immediately on this stage's
// TERMINAL/CANCELED completion.
func (s *StageExecution) CompleteOtherBranchesThenFail() bool {
	return s.flags().CompleteOtherBranchesThenFail
}

// ContinueOnFailure reports whether a TERMINAL task result should be
// recorded as the non-fatal FAILED_CONTINUE stage status instead.
func (s *StageExecution) ContinueOnFailure() bool { return s.flags().ContinueOnFailure }

// IsSynthetic reports whether this stage was materialized by a builder
// rather than being authored directly in the pipeline definition.
func (s *StageExecution) IsSynthetic() bool { return s.ParentStageID != nil }
