package temporalx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/forgepipe/enginecore/internal/pipeline/admission"
	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/dispatcher"
	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/queue"
	"github.com/forgepipe/enginecore/internal/pipeline/retry"
	"github.com/forgepipe/enginecore/internal/pipeline/runtime"
	"github.com/forgepipe/enginecore/internal/pipeline/store"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// Activities bundles every dependency a handler needs, the Temporal
// equivalent of the dispatcher's own field set. Transport is the
// Temporal-backed Transport itself, so a handler's Context.Enqueue call
// signals this same execution's workflow rather than pushing onto a polled
// queue.
type Activities struct {
	Store     store.Store
	Transport queue.Transport
	Events    events.Bus
	Catalog   *catalog.Registry
	Admission *admission.Admitter
	Retry     retry.Policy
	Registry  *dispatcher.Registry
	Log       *logger.Logger
}

// ApplyMessage loads the owning execution, looks up the handler for
// msg.Kind, and invokes it with the same panic recovery the poll-based
// dispatcher applies, then reports whether the execution is now terminal so
// the workflow loop knows to stop. Temporal's own activity RetryPolicy
// governs redelivery on error; there is no separate soft lock because
// Temporal already guarantees a single active workflow task per execution.
func (a *Activities) ApplyMessage(ctx context.Context, msg messages.Message) (tickResult, error) {
	if a == nil || a.Store == nil || a.Registry == nil {
		return tickResult{}, fmt.Errorf("temporalx: activity not configured")
	}

	stop := a.startHeartbeat(ctx)
	defer stop()

	execution, err := a.Store.Retrieve(ctx, msg.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		a.Log.Warn("execution not found, dropping message", "kind", msg.Kind, "executionId", msg.ExecutionID)
		return tickResult{Done: true}, nil
	}
	if err != nil {
		return tickResult{}, err
	}
	if execution.Status.IsTerminal() {
		return tickResult{Done: true}, nil
	}

	handler, ok := a.Registry.Get(msg.Kind)
	if !ok {
		return tickResult{}, fmt.Errorf("temporalx: no handler registered for kind %s", msg.Kind)
	}

	rc := &runtime.Context{
		Ctx:       ctx,
		Store:     a.Store,
		Queue:     a.Transport,
		Events:    a.Events,
		Catalog:   a.Catalog,
		Admission: a.Admission,
		Retry:     a.Retry,
		Log:       a.Log,
		Message:   msg,
	}

	if handlerErr := a.invoke(handler, rc); handlerErr != nil {
		return tickResult{}, handlerErr
	}

	updated, err := a.Store.Retrieve(ctx, msg.ExecutionID)
	if err != nil {
		return tickResult{}, err
	}
	return tickResult{Done: updated.Status.IsTerminal()}, nil
}

func (a *Activities) invoke(h dispatcher.HandlerFunc, rc *runtime.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(rc)
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
