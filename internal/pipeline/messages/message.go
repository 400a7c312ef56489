package messages

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// Message is the envelope every queue transport carries. Handler-specific
// fields live alongside the common identity so the dispatcher can route on
// Kind without unmarshaling a payload twice.
type Message struct {
	Kind Kind `json:"kind"`

	ExecutionType model.ExecutionType `json:"executionType"`
	ExecutionID   uuid.UUID           `json:"executionId"`
	Application   string              `json:"application"`

	StageID *uuid.UUID `json:"stageId,omitempty"`
	TaskID  *uuid.UUID `json:"taskId,omitempty"`

	// Attempts is the AttemptsAttribute: a monotonically-incremented counter
	// maintained by the queue transport on each redelivery, never by the
	// handler itself.
	Attempts int `json:"attempts"`

	// Status carries the terminal status a CompleteTask message is
	// recording; CompleteStage and CompleteExecution do not read it and
	// always derive their status from task and stage statuses.
	Status model.Status `json:"status,omitempty"`

	// Reason carries a synthetic explanation for forced terminal transitions
	// (deadline breach, missing builder, attempt cap).
	Reason string `json:"reason,omitempty"`

	// ConfigID/PurgeQueue are StartWaitingExecutions-only fields.
	ConfigID   string `json:"configId,omitempty"`
	PurgeQueue bool   `json:"purgeQueue,omitempty"`

	// DelaySeconds carries Push's delay inside the message for the Temporal
	// transport, whose workflow sleeps for it before applying the message.
	// The Postgres and Redis transports schedule the delay themselves and
	// leave this field unset.
	DelaySeconds int `json:"delaySeconds,omitempty"`
}

// Key is the idempotency key: (kind, executionId, stageId?, taskId?).
// Two deliveries with the same Key must converge to the same persisted
// state regardless of how many times either is replayed.
func (m Message) Key() string {
	stage := "-"
	if m.StageID != nil {
		stage = m.StageID.String()
	}
	task := "-"
	if m.TaskID != nil {
		task = m.TaskID.String()
	}
	return fmt.Sprintf("%s/%s/%s/%s", m.Kind, m.ExecutionID, stage, task)
}

func forExecution(kind Kind, executionID uuid.UUID, execType model.ExecutionType, application string) Message {
	return Message{Kind: kind, ExecutionID: executionID, ExecutionType: execType, Application: application}
}

func forStage(kind Kind, execMsg Message, stageID uuid.UUID) Message {
	m := execMsg
	m.Kind = kind
	m.StageID = &stageID
	m.TaskID = nil
	m.Attempts = 0
	m.Status = ""
	m.Reason = ""
	return m
}

func forTask(kind Kind, stageMsg Message, taskID uuid.UUID) Message {
	m := stageMsg
	m.Kind = kind
	m.TaskID = &taskID
	m.Attempts = 0
	m.Status = ""
	m.Reason = ""
	return m
}

func StartExecution(id uuid.UUID, execType model.ExecutionType, application string) Message {
	return forExecution(KindStartExecution, id, execType, application)
}

func CompleteExecution(base Message) Message {
	m := base
	m.Kind = KindCompleteExecution
	m.StageID, m.TaskID = nil, nil
	return m
}

func CancelExecution(base Message) Message {
	m := base
	m.Kind = KindCancelExecution
	m.StageID, m.TaskID = nil, nil
	return m
}

func StartWaitingExecutions(configID string, purgeQueue bool, base Message) Message {
	m := base
	m.Kind = KindStartWaitingExecutions
	m.StageID, m.TaskID = nil, nil
	m.ConfigID = configID
	m.PurgeQueue = purgeQueue
	return m
}

func StartStage(base Message, stageID uuid.UUID) Message { return forStage(KindStartStage, base, stageID) }

func CompleteStage(stageMsg Message) Message {
	m := stageMsg
	m.Kind = KindCompleteStage
	return m
}

func SkipStage(base Message, stageID uuid.UUID) Message { return forStage(KindSkipStage, base, stageID) }

func AbortStage(base Message, stageID uuid.UUID) Message { return forStage(KindAbortStage, base, stageID) }

func CancelStage(base Message, stageID uuid.UUID) Message {
	return forStage(KindCancelStage, base, stageID)
}

func ContinueParentStage(base Message, parentStageID uuid.UUID) Message {
	return forStage(KindContinueParentStage, base, parentStageID)
}

func StartTask(stageMsg Message, taskID uuid.UUID) Message { return forTask(KindStartTask, stageMsg, taskID) }

func RunTask(taskMsg Message) Message {
	m := taskMsg
	m.Kind = KindRunTask
	return m
}

func CompleteTask(taskMsg Message, status model.Status) Message {
	m := taskMsg
	m.Kind = KindCompleteTask
	m.Status = status
	return m
}

func InvalidMarker(kind Kind, base Message, reason string) Message {
	m := base
	m.Kind = kind
	m.Reason = reason
	return m
}
