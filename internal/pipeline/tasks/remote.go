package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// rawCodec lets RemoteTask call an arbitrary full method name without a
// protoc-generated stub: the wire payload is whatever JSON bytes the caller
// already produced, carried through grpc's codec hook verbatim. This
// mirrors the "opaque task implementation" contract in the external
// interfaces: the engine never needs to know the peer service's schema.
type rawCodec struct{}

func (rawCodec) Name() string { return "raw-json" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("rawCodec: unsupported type %T", v)
	}
	return msg.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("rawCodec: unsupported type %T", v)
	}
	msg.data = data
	return nil
}

type rawMessage struct{ data []byte }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// remoteRequest/remoteResponse are the JSON envelope exchanged with the
// peer service over the raw codec.
type remoteRequest struct {
	StageRefID string         `json:"stageRefId"`
	TaskName   string         `json:"taskName"`
	Context    map[string]any `json:"context"`
}

type remoteResponse struct {
	Status       string         `json:"status"`
	ContextDelta map[string]any `json:"contextDelta"`
	Outputs      map[string]any `json:"outputs"`
	BackoffMS    int64          `json:"backoffMs"`
	Reason       string         `json:"reason"`
}

// RemoteTask invokes a single RPC method on an external task-execution
// service for every RunTask delivery, sending the context map contextOf
// returns for the stage (an empty map when contextOf is nil) and
// encoding the JSON-envelope request/response through grpc's generic
// Invoke path rather than a generated client.
type RemoteTask struct {
	Conn       *grpc.ClientConn
	FullMethod string
	TaskTimeout time.Duration
	contextOf  func(stage *model.StageExecution) map[string]any
}

func NewRemoteTask(conn *grpc.ClientConn, fullMethod string, timeout time.Duration, contextOf func(*model.StageExecution) map[string]any) *RemoteTask {
	return &RemoteTask{Conn: conn, FullMethod: fullMethod, TaskTimeout: timeout, contextOf: contextOf}
}

func (t *RemoteTask) Timeout() time.Duration { return t.TaskTimeout }

func (t *RemoteTask) Execute(ctx context.Context, stage *model.StageExecution, task *model.TaskExecution) (Result, error) {
	ctxMap := map[string]any{}
	if t.contextOf != nil {
		ctxMap = t.contextOf(stage)
	}
	req := remoteRequest{StageRefID: stage.RefID, TaskName: task.Name, Context: ctxMap}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal remote task request: %w", err)
	}

	in := &rawMessage{data: reqBytes}
	out := &rawMessage{}
	if err := t.Conn.Invoke(ctx, t.FullMethod, in, out, grpc.CallContentSubtype(rawCodec{}.Name())); err != nil {
		return Result{Status: model.StatusRunning, BackoffPeriod: 5 * time.Second}, nil
	}

	var resp remoteResponse
	if err := json.Unmarshal(out.data, &resp); err != nil {
		return Result{}, fmt.Errorf("unmarshal remote task response: %w", err)
	}
	return Result{
		Status:        model.Status(resp.Status),
		ContextDelta:  resp.ContextDelta,
		Outputs:       resp.Outputs,
		BackoffPeriod: time.Duration(resp.BackoffMS) * time.Millisecond,
		Reason:        resp.Reason,
	}, nil
}
