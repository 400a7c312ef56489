package model

import (
	"time"

	"github.com/google/uuid"
)

// ConfigAdmission is the one row per pipelineConfigId tracking which
// execution currently holds the "running" slot under limitConcurrent. The
// row's primary key doubles as the compare-and-set target: admission
// succeeds only if an UPDATE ... WHERE running_execution_id IS NULL affects
// a row, so two concurrent StartExecution deliveries for the same config
// can't both win.
type ConfigAdmission struct {
	ConfigID          string     `gorm:"primaryKey" json:"configId"`
	RunningExecutionID *uuid.UUID `gorm:"type:uuid" json:"runningExecutionId,omitempty"`
	UpdatedAt         time.Time  `gorm:"not null;default:now()" json:"updatedAt"`
}

func (ConfigAdmission) TableName() string { return "config_admission" }

// ConfigWaitingEntry is one execution parked behind a limitConcurrent slot,
// ordered by CreatedAt. PurgeQueue truncates this table down to the newest
// row before promotion.
type ConfigWaitingEntry struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ConfigID    string    `gorm:"not null;index" json:"configId"`
	ExecutionID uuid.UUID `gorm:"type:uuid;not null;index" json:"executionId"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"createdAt"`
}

func (ConfigWaitingEntry) TableName() string { return "config_waiting_entry" }
