// Package dispatcher implements the poll/route/retry loop that drives
// every message through its handler. The shape — a ticker-driven poll loop
// per worker, a recover-guarded call into the handler, re-queue on error —
// is adapted directly from the teacher's jobs.Worker; what changes is the
// routing key (message Kind instead of job_type) and the addition of the
// advisory per-execution soft lock and the attempt-cap-to-Invalid pipeline.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgepipe/enginecore/internal/pipeline/admission"
	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/queue"
	"github.com/forgepipe/enginecore/internal/pipeline/retry"
	"github.com/forgepipe/enginecore/internal/pipeline/runtime"
	"github.com/forgepipe/enginecore/internal/pipeline/store"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// Dispatcher owns the worker pool. One Dispatcher per process; Workers
// concurrent pollers share the same Transport and are safe to run because
// Poll's SKIP LOCKED / Lua pop semantics prevent double delivery.
type Dispatcher struct {
	Transport queue.Transport
	Store     store.Store
	Events    events.Bus
	Catalog   *catalog.Registry
	Admission *admission.Admitter
	Lock      SoftLock
	Retry     retry.Policy
	Registry  *Registry
	Log       *logger.Logger

	Workers      int
	PollInterval time.Duration
}

func (d *Dispatcher) Run(ctx context.Context) error {
	if d.Workers < 1 {
		d.Workers = 1
	}
	if d.PollInterval <= 0 {
		d.PollInterval = time.Second
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return d.runWorker(gctx, workerID)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	log := d.Log.With("worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.tick(ctx, log); err != nil {
				log.Warn("tick failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, log *logger.Logger) error {
	msg, handle, err := d.Transport.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if msg == nil {
		return nil
	}

	execution, err := d.Store.Retrieve(ctx, msg.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("execution not found, acking", "kind", msg.Kind, "executionId", msg.ExecutionID)
		return d.Transport.Ack(ctx, handle)
	}
	if err != nil {
		return d.Transport.Nack(ctx, handle, d.Retry.Delay(msg.Attempts))
	}
	if execution.Status.IsTerminal() {
		log.Info("execution already terminal, acking no-op", "kind", msg.Kind, "executionId", msg.ExecutionID)
		return d.Transport.Ack(ctx, handle)
	}

	handler, ok := d.Registry.Get(msg.Kind)
	if !ok {
		log.Error("no handler registered", "kind", msg.Kind)
		return d.Transport.Ack(ctx, handle)
	}

	acquired, release, lockErr := d.Lock.TryAcquire(ctx, msg.ExecutionID)
	if lockErr != nil {
		log.Warn("lock acquire error, proceeding unlocked", "error", lockErr)
	}
	if lockErr == nil && !acquired {
		return d.Transport.Nack(ctx, handle, 250*time.Millisecond)
	}
	defer release()

	rc := &runtime.Context{
		Ctx:       ctx,
		Store:     d.Store,
		Queue:     d.Transport,
		Events:    d.Events,
		Catalog:   d.Catalog,
		Admission: d.Admission,
		Retry:     d.Retry,
		Log:       log,
		Message:   *msg,
	}

	handlerErr := d.invoke(handler, rc)
	if handlerErr == nil {
		return d.Transport.Ack(ctx, handle)
	}

	notFound := errors.Is(handlerErr, store.ErrNotFound) && msg.Kind != invalidKindFor(msg.Kind.Tier())
	if notFound || d.Retry.Exceeded(handle.Attempts()) {
		reason := "attempt cap exceeded: "
		if notFound {
			reason = "malformed message: "
		}
		log.Error("converting to invalid marker",
			"kind", msg.Kind, "executionId", msg.ExecutionID, "attempts", handle.Attempts(), "error", handlerErr)
		invalidKind := invalidKindFor(msg.Kind.Tier())
		invalid := messages.InvalidMarker(invalidKind, *msg, reason+handlerErr.Error())
		if pushErr := d.Transport.Push(ctx, invalid, 0); pushErr != nil {
			log.Error("failed to push invalid marker", "error", pushErr)
		}
		return d.Transport.Ack(ctx, handle)
	}

	return d.Transport.Nack(ctx, handle, d.Retry.Delay(handle.Attempts()))
}

func invalidKindFor(tier messages.Tier) messages.Kind {
	switch tier {
	case messages.TierExecution:
		return messages.KindInvalidExecution
	case messages.TierStage:
		return messages.KindInvalidStage
	default:
		return messages.KindInvalidTask
	}
}

// invoke recovers from a handler panic and converts it into an error, the
// same guard the teacher's Worker wraps every job run in.
func (d *Dispatcher) invoke(h HandlerFunc, rc *runtime.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(rc)
}
