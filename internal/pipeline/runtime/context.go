// Package runtime provides the Context object handed to every handler: the
// dependency bundle (store, queue transport, event bus, catalog, admission,
// retry policy) plus the message being processed, mirroring the teacher's
// runtime.Context capability object for job handlers.
package runtime

import (
	"context"
	"time"

	"github.com/forgepipe/enginecore/internal/pipeline/admission"
	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/queue"
	"github.com/forgepipe/enginecore/internal/pipeline/retry"
	"github.com/forgepipe/enginecore/internal/pipeline/store"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// Context is the capability object every handler receives. It owns no
// mutable scheduler state itself; each call that mutates the store or the
// queue is explicit and atomic at the callee.
type Context struct {
	Ctx context.Context

	Store     store.Store
	Queue     queue.Transport
	Events    events.Bus
	Catalog   *catalog.Registry
	Admission *admission.Admitter
	Retry     retry.Policy

	Log *logger.Logger

	// Message is the delivery currently being handled.
	Message messages.Message
}

// Requeue re-enqueues ctx.Message with the given delay, used by handlers
// that cannot finalize because downstream work is still pending (the
// message-level retry dimension).
func (c *Context) Requeue(delay time.Duration) error {
	return c.Queue.Push(c.Ctx, c.Message, delay)
}

// Enqueue pushes a new message derived from the current one.
func (c *Context) Enqueue(msg messages.Message, delay time.Duration) error {
	return c.Queue.Push(c.Ctx, msg, delay)
}

// Publish emits a lifecycle event, logging and swallowing any failure per
// the fire-and-forget contract.
func (c *Context) Publish(event events.Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if err := c.Events.Publish(c.Ctx, event); err != nil {
		c.Log.Warn("event publish failed", "kind", event.Kind, "error", err)
	}
}
