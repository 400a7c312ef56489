package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
	"github.com/forgepipe/enginecore/internal/pipeline/queue"
	"github.com/forgepipe/enginecore/internal/pipeline/store"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// StageSubmission is one top-level stage as submitted by a caller; nested
// before/after/task expansion is the engine's job, never the caller's.
type StageSubmission struct {
	RefID                 string         `json:"refId" binding:"required"`
	Type                  string         `json:"type" binding:"required"`
	Name                  string         `json:"name"`
	Context               map[string]any `json:"context,omitempty"`
	RequisiteStageRefIds  []string       `json:"requisiteStageRefIds,omitempty"`
}

// ExecutionSubmission is the POST /executions request body.
type ExecutionSubmission struct {
	Application          string                `json:"application" binding:"required"`
	Type                 model.ExecutionType   `json:"type"`
	PipelineConfigID     *string               `json:"pipelineConfigId,omitempty"`
	Origin               string                `json:"origin,omitempty"`
	LimitConcurrent      bool                  `json:"limitConcurrent,omitempty"`
	KeepWaitingPipelines bool                  `json:"keepWaitingPipelines,omitempty"`
	Context              map[string]any        `json:"context,omitempty"`
	Stages               []StageSubmission     `json:"stages" binding:"required,min=1"`
}

// ExecutionHandler exposes submission and inspection of pipeline
// executions over HTTP, the engine's only external entry point besides the
// event bus.
type ExecutionHandler struct {
	Store     store.Store
	Transport queue.Transport
	Log       *logger.Logger
}

func NewExecutionHandler(s store.Store, t queue.Transport, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{Store: s, Transport: t, Log: log.With("handler", "ExecutionHandler")}
}

// POST /executions
func (h *ExecutionHandler) Submit(c *gin.Context) {
	var req ExecutionSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Type == "" {
		req.Type = model.ExecutionTypePipeline
	}

	ctxJSON, err := encodeMap(req.Context)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_context", err)
		return
	}

	execution := &model.PipelineExecution{
		ID:                   uuid.New(),
		Application:          req.Application,
		Type:                 req.Type,
		PipelineConfigID:     req.PipelineConfigID,
		Status:               model.StatusNotStarted,
		Origin:               req.Origin,
		LimitConcurrent:      req.LimitConcurrent,
		KeepWaitingPipelines: req.KeepWaitingPipelines,
		Context:              ctxJSON,
	}
	if principal := principalOf(c); principal != "" {
		execution.Authentication = model.Authentication{User: principal}
	}

	ctx := c.Request.Context()
	if err := h.Store.Store(ctx, execution); err != nil {
		respondError(c, http.StatusInternalServerError, "store_failed", err)
		return
	}

	for _, s := range req.Stages {
		stageCtx, err := encodeMap(s.Context)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_context", err)
			return
		}
		stage := &model.StageExecution{
			ID:                    uuid.New(),
			RefID:                 s.RefID,
			ExecutionID:           execution.ID,
			Type:                  s.Type,
			Name:                  s.Name,
			Status:                model.StatusNotStarted,
			RequisiteStageRefIds:  datatypes.JSONSlice[string](s.RequisiteStageRefIds),
			Context:               stageCtx,
		}
		if err := h.Store.StoreStage(ctx, stage); err != nil {
			respondError(c, http.StatusInternalServerError, "store_failed", err)
			return
		}
	}

	start := messages.StartExecution(execution.ID, execution.Type, execution.Application)
	if err := h.Transport.Push(ctx, start, 0); err != nil {
		respondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}

	respondOK(c, http.StatusAccepted, gin.H{"id": execution.ID, "status": execution.Status})
}

// GET /executions/:id
func (h *ExecutionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	ctx := c.Request.Context()
	execution, err := h.Store.Retrieve(ctx, id)
	if err != nil {
		respondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	stages, err := h.Store.RetrieveStages(ctx, id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "load_failed", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"execution": execution, "stages": stages})
}

// POST /executions/:id/cancel
func (h *ExecutionHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	ctx := c.Request.Context()
	execution, err := h.Store.Retrieve(ctx, id)
	if err != nil {
		respondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	msg := messages.CancelExecution(messages.StartExecution(execution.ID, execution.Type, execution.Application))
	if err := h.Transport.Push(ctx, msg, 0); err != nil {
		respondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}
	respondNoContent(c)
}

func principalOf(c *gin.Context) string {
	v, ok := c.Get("principal")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func encodeMap(m map[string]any) (datatypes.JSON, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
