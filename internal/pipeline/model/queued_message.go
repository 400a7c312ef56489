package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// QueuedMessage is the durable row backing the Postgres queue transport: one
// row per in-flight or historical scheduler message. The dispatcher claims
// rows with a SELECT ... FOR UPDATE SKIP LOCKED, the same pattern the
// teacher repo's job runner uses to avoid a distributed lock service.
type QueuedMessage struct {
	ID uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`

	// Kind is the message taxonomy tag (e.g. "StartStage", "RunTask").
	Kind string `gorm:"not null;index" json:"kind"`

	ExecutionID uuid.UUID  `gorm:"type:uuid;not null;index" json:"executionId"`
	StageID     *uuid.UUID `gorm:"type:uuid;index" json:"stageId,omitempty"`
	TaskID      *uuid.UUID `gorm:"type:uuid;index" json:"taskId,omitempty"`

	// Payload carries the kind-specific fields (e.g. RunTask's task index,
	// CompleteStage's final status) as opaque JSON; messages package owns
	// the encode/decode contract.
	Payload datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`

	Attempts int `gorm:"not null;default:0" json:"attempts"`

	// AvailableAt is when this row becomes eligible for claim again; pushed
	// forward by the retry backoff policy on nack.
	AvailableAt time.Time `gorm:"not null;index" json:"availableAt"`

	// LockedBy/LockedAt implement the advisory soft lock: a claimed row
	// records who holds it and when, so a crashed worker's claim can be
	// reclaimed once LockedAt is older than the soft lock TTL.
	LockedBy *string    `json:"lockedBy,omitempty"`
	LockedAt *time.Time `json:"lockedAt,omitempty"`

	// Acked is set once a handler returns nil; acked rows stay in the table
	// and are never reclaimed. Nothing in this module deletes them.
	Acked bool `gorm:"not null;default:false;index" json:"acked"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updatedAt"`
}

func (QueuedMessage) TableName() string { return "queued_message" }
