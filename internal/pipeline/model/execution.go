package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ExecutionType distinguishes a plain pipeline run from an orchestration
// (a pipeline of pipelines); both share the same scheduling semantics.
type ExecutionType string

const (
	ExecutionTypePipeline     ExecutionType = "PIPELINE"
	ExecutionTypeOrchestration ExecutionType = "ORCHESTRATION"
)

// Authentication records who triggered an execution and which downstream
// accounts it is allowed to act against; the scheduler never interprets
// these fields, it only carries and persists them.
type Authentication struct {
	User            string   `json:"user,omitempty"`
	AllowedAccounts []string `json:"allowed_accounts,omitempty"`
}

// PipelineExecution is the durable root of one concrete pipeline run.
//
// Invariant: Status is monotonic on the status lattice; once it reaches a
// terminal value it is never reopened. The scheduler enforces this by
// routing every transition through the execution handlers, never by direct
// field assignment from outside this module.
type PipelineExecution struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Application      string         `gorm:"not null;index" json:"application"`
	Type             ExecutionType  `gorm:"not null" json:"type"`
	PipelineConfigID *string        `gorm:"index" json:"pipelineConfigId,omitempty"`

	Status Status `gorm:"not null;index" json:"status"`

	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	Origin         string         `json:"origin,omitempty"`
	Authentication Authentication `gorm:"embedded;embeddedPrefix:auth_" json:"authentication"`

	LimitConcurrent      bool `json:"limitConcurrent"`
	KeepWaitingPipelines bool `json:"keepWaitingPipelines"`

	// Context carries unknown/forward-compatible fields verbatim so they
	// survive a round trip through an older engine version untouched.
	Context datatypes.JSON `gorm:"type:jsonb" json:"context,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updatedAt"`
}

func (PipelineExecution) TableName() string { return "pipeline_execution" }

// TopLevelStages returns the stages with no parentStageId: the set that
// participates in the execution's status derivation. Synthetic before/after/
// parallel children are excluded.
func TopLevelStages(stages []*StageExecution) []*StageExecution {
	out := make([]*StageExecution, 0, len(stages))
	for _, s := range stages {
		if s.ParentStageID == nil {
			out = append(out, s)
		}
	}
	return out
}
