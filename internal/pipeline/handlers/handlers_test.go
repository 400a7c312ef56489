package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgepipe/enginecore/internal/pipeline/admission"
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

// fakeQueue records every Push so a test can assert on which follow-up
// messages a handler enqueued without standing up a real transport.
type fakeQueue struct {
	mu     sync.Mutex
	pushed []messages.Message
}

func (q *fakeQueue) Push(ctx context.Context, msg messages.Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, msg)
	return nil
}

func (q *fakeQueue) Poll(ctx context.Context) (*messages.Message, queue.Handle, error) {
	return nil, nil, nil
}
func (q *fakeQueue) Ack(ctx context.Context, handle queue.Handle) error { return nil }
func (q *fakeQueue) Nack(ctx context.Context, handle queue.Handle, delay time.Duration) error {
	return nil
}

func (q *fakeQueue) kinds() []messages.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]messages.Kind, len(q.pushed))
	for i, m := range q.pushed {
		out[i] = m.Kind
	}
	return out
}

func (q *fakeQueue) has(kind messages.Kind) bool {
	for _, k := range q.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type fakeBus struct {
	mu        sync.Mutex
	published []events.Event
}

func (b *fakeBus) Publish(ctx context.Context, event events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	db        store.Store
	queue     *fakeQueue
	bus       *fakeBus
	catalog   *catalog.Registry
	admission *admission.Admitter
	log       *logger.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storetest.Open(t,
		&model.PipelineExecution{},
		&model.StageExecution{},
		&model.TaskExecution{},
		&model.ConfigAdmission{},
		&model.ConfigWaitingEntry{},
	)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return &harness{
		t:         t,
		ctx:       context.Background(),
		db:        store.NewGormStore(db),
		queue:     &fakeQueue{},
		bus:       &fakeBus{},
		catalog:   catalog.NewRegistry(),
		admission: admission.NewAdmitter(db),
		log:       log,
	}
}

func (h *harness) rc(msg messages.Message) *runtime.Context {
	return &runtime.Context{
		Ctx:       h.ctx,
		Store:     h.db,
		Queue:     h.queue,
		Events:    h.bus,
		Catalog:   h.catalog,
		Admission: h.admission,
		Retry:     retry.DefaultPolicy(),
		Log:       h.log,
		Message:   msg,
	}
}
