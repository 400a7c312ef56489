// Package events defines the fire-and-forget lifecycle event bus. Handlers
// publish after every state transition; publish failures are logged and
// swallowed, never retried, matching the "transient, never propagate" error
// policy for non-durable side effects.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

type Kind string

const (
	KindExecutionStarted  Kind = "ExecutionStarted"
	KindExecutionComplete Kind = "ExecutionComplete"
	KindStageStarted      Kind = "StageStarted"
	KindStageComplete     Kind = "StageComplete"
	KindTaskStarted       Kind = "TaskStarted"
	KindTaskComplete      Kind = "TaskComplete"
)

// Event carries the snapshot that caused it, per the external interface
// contract: subscribers get enough context to render a notification without
// a follow-up read against the store.
type Event struct {
	Kind        Kind          `json:"kind"`
	ExecutionID uuid.UUID     `json:"executionId"`
	StageID     *uuid.UUID    `json:"stageId,omitempty"`
	TaskID      *uuid.UUID    `json:"taskId,omitempty"`
	Status      model.Status  `json:"status,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	At          time.Time     `json:"at"`
}

// Bus is the fire-and-forget publisher contract. Publish must not block the
// calling handler on a slow subscriber.
type Bus interface {
	Publish(ctx context.Context, event Event) error
}
