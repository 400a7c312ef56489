// Package queue implements the pluggable queue transport: push with an
// optional delay, poll for the next eligible message, ack, nack with a
// redelivery delay, and an attempts counter. Two implementations are
// provided — a Postgres transport using SELECT ... FOR UPDATE SKIP LOCKED
// (grounded on the teacher's job claim query) and a Redis transport using a
// sorted set as a delay queue.
package queue

import (
	"context"
	"time"

	"github.com/forgepipe/enginecore/internal/pipeline/messages"
)

// Handle identifies one claimed delivery so Ack/Nack/Attempts can act on it
// without re-decoding the message.
type Handle interface {
	// Attempts is the number of times this message has been delivered,
	// including the current delivery.
	Attempts() int
}

// Transport is the queue contract every dispatcher worker polls.
type Transport interface {
	// Push enqueues msg, eligible for delivery after delay (zero for
	// immediate). Push never blocks on a handler.
	Push(ctx context.Context, msg messages.Message, delay time.Duration) error

	// Poll returns the next eligible message and its handle, or (nil, nil,
	// nil) if nothing is currently eligible. Poll must not block; the
	// dispatcher supplies its own tick interval.
	Poll(ctx context.Context) (*messages.Message, Handle, error)

	// Ack permanently removes the delivery referenced by handle.
	Ack(ctx context.Context, handle Handle) error

	// Nack makes the delivery eligible again after delay, incrementing its
	// attempts counter.
	Nack(ctx context.Context, handle Handle, delay time.Duration) error
}
