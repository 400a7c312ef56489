package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
	"github.com/forgepipe/enginecore/internal/pipeline/queue"
	"github.com/forgepipe/enginecore/internal/pipeline/retry"
	"github.com/forgepipe/enginecore/internal/pipeline/runtime"
	"github.com/forgepipe/enginecore/internal/pipeline/store"
	"github.com/forgepipe/enginecore/internal/pipeline/storetest"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// fakeHandle/fakeTransport are in-memory test doubles for queue.Transport,
// standing in for the five external interfaces the design calls for test
// doubles against.
type fakeHandle struct {
	msg      messages.Message
	attempts int
}

func (h *fakeHandle) Attempts() int { return h.attempts }

type fakeTransport struct {
	mu      sync.Mutex
	pending []*fakeHandle
	acked   []messages.Message
	nacked  []messages.Message
	pushed  []messages.Message
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (f *fakeTransport) Push(ctx context.Context, msg messages.Message, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, msg)
	f.pending = append(f.pending, &fakeHandle{msg: msg, attempts: 1})
	return nil
}

func (f *fakeTransport) Poll(ctx context.Context) (*messages.Message, queue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil, nil
	}
	h := f.pending[0]
	f.pending = f.pending[1:]
	return &h.msg, h, nil
}

func (f *fakeTransport) Ack(ctx context.Context, handle queue.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, handle.(*fakeHandle).msg)
	return nil
}

func (f *fakeTransport) Nack(ctx context.Context, handle queue.Handle, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := handle.(*fakeHandle)
	h.attempts++
	f.nacked = append(f.nacked, h.msg)
	f.pending = append(f.pending, h)
	return nil
}

type noopLock struct{}

func (noopLock) TryAcquire(ctx context.Context, executionID uuid.UUID) (bool, func(), error) {
	return true, func() {}, nil
}

type noopBus struct{}

func (noopBus) Publish(ctx context.Context, event events.Event) error { return nil }

func newTestDispatcher(t *testing.T, registry *Registry) (*Dispatcher, store.Store, *fakeTransport) {
	db := storetest.Open(t, &model.PipelineExecution{}, &model.StageExecution{}, &model.TaskExecution{})
	st := store.NewGormStore(db)
	transport := newFakeTransport()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	return &Dispatcher{
		Transport: transport,
		Store:     st,
		Events:    noopBus{},
		Catalog:   catalog.NewRegistry(),
		Admission: nil,
		Lock:      noopLock{},
		Retry:     retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3},
		Registry:  registry,
		Log:       log,
	}, st, transport
}

func TestTickAcksOnSuccessfulHandler(t *testing.T) {
	registry := NewRegistry()
	called := false
	registry.Register(messages.KindStartExecution, func(rc *runtime.Context) error {
		called = true
		return nil
	})
	d, st, transport := newTestDispatcher(t, registry)
	ctx := context.Background()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusNotStarted}
	if err := st.Store(ctx, exec); err != nil {
		t.Fatalf("Store: %v", err)
	}

	msg := messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout")
	if err := transport.Push(ctx, msg, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := d.tick(ctx, d.Log); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !called {
		t.Fatalf("expected the registered handler to run")
	}
	if len(transport.acked) != 1 {
		t.Fatalf("expected the message to be acked, got acked=%v nacked=%v", transport.acked, transport.nacked)
	}
}

func TestTickAcksWhenExecutionMissing(t *testing.T) {
	registry := NewRegistry()
	registry.Register(messages.KindStartExecution, func(rc *runtime.Context) error {
		t.Fatalf("handler must not run for a missing execution")
		return nil
	})
	d, _, transport := newTestDispatcher(t, registry)
	ctx := context.Background()

	msg := messages.StartExecution(uuid.New(), model.ExecutionTypePipeline, "checkout")
	if err := transport.Push(ctx, msg, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := d.tick(ctx, d.Log); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(transport.acked) != 1 {
		t.Fatalf("expected the message for a missing execution to be acked, not retried")
	}
}

func TestTickAcksWhenExecutionAlreadyTerminal(t *testing.T) {
	registry := NewRegistry()
	registry.Register(messages.KindStartExecution, func(rc *runtime.Context) error {
		t.Fatalf("handler must not run for a terminal execution")
		return nil
	})
	d, st, transport := newTestDispatcher(t, registry)
	ctx := context.Background()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusSucceeded}
	if err := st.Store(ctx, exec); err != nil {
		t.Fatalf("Store: %v", err)
	}

	msg := messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout")
	if err := transport.Push(ctx, msg, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := d.tick(ctx, d.Log); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(transport.acked) != 1 {
		t.Fatalf("expected a no-op ack for an already-terminal execution")
	}
}

func TestTickNacksOnHandlerErrorUntilAttemptCapThenInvalid(t *testing.T) {
	registry := NewRegistry()
	registry.Register(messages.KindStartExecution, func(rc *runtime.Context) error {
		return errors.New("transient failure")
	})
	registry.Register(messages.KindInvalidExecution, func(rc *runtime.Context) error {
		return nil
	})
	d, st, transport := newTestDispatcher(t, registry)
	ctx := context.Background()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusNotStarted}
	if err := st.Store(ctx, exec); err != nil {
		t.Fatalf("Store: %v", err)
	}

	msg := messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout")
	if err := transport.Push(ctx, msg, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Policy caps at 3 attempts; drive enough ticks to exceed it and land on
	// an Invalid marker push instead of yet another nack.
	for i := 0; i < 5; i++ {
		if err := d.tick(ctx, d.Log); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	foundInvalid := false
	for _, m := range transport.pushed {
		if m.Kind == messages.KindInvalidExecution {
			foundInvalid = true
		}
	}
	if !foundInvalid {
		t.Fatalf("expected an Invalid marker to be pushed once attempts exceeded the cap, pushed=%v", transport.pushed)
	}
}

func TestTickAcksWhenNoHandlerRegistered(t *testing.T) {
	registry := NewRegistry()
	d, st, transport := newTestDispatcher(t, registry)
	ctx := context.Background()

	exec := &model.PipelineExecution{Application: "checkout", Type: model.ExecutionTypePipeline, Status: model.StatusNotStarted}
	if err := st.Store(ctx, exec); err != nil {
		t.Fatalf("Store: %v", err)
	}

	msg := messages.StartExecution(exec.ID, model.ExecutionTypePipeline, "checkout")
	if err := transport.Push(ctx, msg, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := d.tick(ctx, d.Log); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(transport.acked) != 1 {
		t.Fatalf("expected ack when no handler is registered for the message kind")
	}
}

func TestTickWithNoPendingMessageIsANoop(t *testing.T) {
	registry := NewRegistry()
	d, _, transport := newTestDispatcher(t, registry)
	if err := d.tick(context.Background(), d.Log); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(transport.acked) != 0 || len(transport.nacked) != 0 {
		t.Fatalf("expected no ack/nack activity with an empty queue")
	}
}
