package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/forgepipe/enginecore/internal/pipeline/messages"
)

// RedisTransport uses a sorted set as a delay queue: score is the Unix
// timestamp a member becomes eligible, and a Lua script pops the lowest
// eligible score atomically so concurrent pollers never double-claim the
// same member. Grounded on the teacher's go-redis client usage for its
// SSE bus (same driver, same connection bootstrap).
type RedisTransport struct {
	rdb      *goredis.Client
	queueKey string
	inFlight string // hash of handle id -> payload, for Nack/Ack after claim
}

func NewRedisTransport(rdb *goredis.Client, queueKey string) *RedisTransport {
	return &RedisTransport{rdb: rdb, queueKey: queueKey, inFlight: queueKey + ":inflight"}
}

type redisHandle struct {
	id       string
	attempts int
}

func (h redisHandle) Attempts() int { return h.attempts }

func (t *RedisTransport) Push(ctx context.Context, msg messages.Message, delay time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	member := uuid.NewString()
	if err := t.rdb.HSet(ctx, t.inFlight, member, payload).Err(); err != nil {
		return fmt.Errorf("stage message: %w", err)
	}
	score := float64(time.Now().Add(delay).Unix())
	return t.rdb.ZAdd(ctx, t.queueKey, goredis.Z{Score: score, Member: member}).Err()
}

// popScript atomically finds the lowest-scored member due now, removes it
// from the ready set, and returns its id; avoids a race between two
// pollers reading ZRangeByScore before either calls ZRem.
var popScript = goredis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #members == 0 then
	return nil
end
redis.call('ZREM', KEYS[1], members[1])
return members[1]
`)

func (t *RedisTransport) Poll(ctx context.Context) (*messages.Message, Handle, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	res, err := popScript.Run(ctx, t.rdb, []string{t.queueKey}, now).Result()
	if err == goredis.Nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("poll: %w", err)
	}
	member, ok := res.(string)
	if !ok {
		return nil, nil, nil
	}
	payload, err := t.rdb.HGet(ctx, t.inFlight, member).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load claimed message: %w", err)
	}
	var msg messages.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, nil, fmt.Errorf("decode message: %w", err)
	}
	msg.Attempts++
	updated, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("encode message: %w", err)
	}
	if err := t.rdb.HSet(ctx, t.inFlight, member, updated).Err(); err != nil {
		return nil, nil, fmt.Errorf("record attempt: %w", err)
	}
	return &msg, redisHandle{id: member, attempts: msg.Attempts}, nil
}

func (t *RedisTransport) Ack(ctx context.Context, handle Handle) error {
	h, ok := handle.(redisHandle)
	if !ok {
		return fmt.Errorf("ack: wrong handle type %T", handle)
	}
	return t.rdb.HDel(ctx, t.inFlight, h.id).Err()
}

func (t *RedisTransport) Nack(ctx context.Context, handle Handle, delay time.Duration) error {
	h, ok := handle.(redisHandle)
	if !ok {
		return fmt.Errorf("nack: wrong handle type %T", handle)
	}
	score := float64(time.Now().Add(delay).Unix())
	return t.rdb.ZAdd(ctx, t.queueKey, goredis.Z{Score: score, Member: h.id}).Err()
}
