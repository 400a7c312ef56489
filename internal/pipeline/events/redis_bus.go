package events

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// RedisBus publishes to a single pub/sub channel, grounded directly on the
// teacher's SSEBus: same client, same Publish-then-log-on-error shape, so
// any existing subscriber (UI, webhook relay) can attach without change.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	log     *logger.Logger
}

func NewRedisBus(rdb *goredis.Client, channel string, log *logger.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, log: log.With("component", "events.RedisBus")}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("publish failed", "kind", event.Kind, "executionId", event.ExecutionID, "error", err)
		return err
	}
	return nil
}

// StartForwarder relays messages on the channel to sink until ctx is
// canceled, mirroring the teacher's forwarder goroutine pattern for
// fan-out to in-process SSE subscribers.
func (b *RedisBus) StartForwarder(ctx context.Context, sink func([]byte)) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				sink([]byte(msg.Payload))
			}
		}
	}()
}
