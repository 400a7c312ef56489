// Package store defines the persistence contract handlers use to read and
// mutate executions and stages. The scheduler never holds a long-lived
// in-memory copy of an execution; every handler retrieves a snapshot,
// computes the next transition, and writes it back through one of these
// atomic per-stage or per-execution methods.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// ErrNotFound is returned by Retrieve/RetrieveStage/RetrieveTask when the id
// does not resolve to a row. Handlers return it as is; the dispatcher
// treats it as the "malformed message" error kind: it pushes the tier's
// Invalid marker and acks. A delivery whose execution itself is missing is
// acked without a marker.
var ErrNotFound = errors.New("store: not found")

// Store is the system of record for executions, stages, and tasks.
// Implementations must make Store/UpdateStatus/StoreStage/UpdateStageContext
// atomic with respect to concurrent callers on the same row; the advisory
// per-execution lock in the dispatcher is a throughput optimization on top
// of this, not a substitute for it.
type Store interface {
	Retrieve(ctx context.Context, id uuid.UUID) (*model.PipelineExecution, error)
	Store(ctx context.Context, execution *model.PipelineExecution) error
	UpdateStatus(ctx context.Context, execution *model.PipelineExecution) error

	RetrieveStages(ctx context.Context, executionID uuid.UUID) ([]*model.StageExecution, error)
	RetrieveStage(ctx context.Context, id uuid.UUID) (*model.StageExecution, error)
	StoreStage(ctx context.Context, stage *model.StageExecution) error
	UpdateStageContext(ctx context.Context, stage *model.StageExecution) error

	RetrieveTasks(ctx context.Context, stageID uuid.UUID) ([]*model.TaskExecution, error)
	RetrieveTask(ctx context.Context, id uuid.UUID) (*model.TaskExecution, error)
	StoreTask(ctx context.Context, task *model.TaskExecution) error

	// RetrievePipelinesForConfigID lists the executions recorded under one
	// pipeline config id. Concurrency admission keeps its own tables and does
	// not call it.
	RetrievePipelinesForConfigID(ctx context.Context, configID string) ([]*model.PipelineExecution, error)
}
