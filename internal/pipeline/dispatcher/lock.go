package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// SoftLock is the advisory per-execution lock: only one handler may mutate
// a given execution at a time. It is a throughput optimization, not a
// correctness requirement — lock loss means redundant work, not a wrong
// result, because every handler is idempotent.
type SoftLock interface {
	// TryAcquire returns true if the lock for executionID was obtained, and
	// a release func to call when the handler finishes either way.
	TryAcquire(ctx context.Context, executionID uuid.UUID) (acquired bool, release func(), err error)
}

// RedisSoftLock implements SoftLock with SET NX PX, the same primitive the
// teacher uses for its Redis client elsewhere; TTL bounds how long a
// crashed worker can hold a lock before another worker can take over.
type RedisSoftLock struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewRedisSoftLock(rdb *goredis.Client, ttl time.Duration) *RedisSoftLock {
	return &RedisSoftLock{rdb: rdb, ttl: ttl}
}

func (l *RedisSoftLock) TryAcquire(ctx context.Context, executionID uuid.UUID) (bool, func(), error) {
	key := "enginecore:lock:execution:" + executionID.String()
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, func() {}, err
	}
	if !ok {
		return false, func() {}, nil
	}
	release := func() {
		// Best-effort unconditional delete: losing the race to our own TTL
		// expiry just means the next holder's lock disappears a moment
		// early, which is safe under the idempotency guarantee.
		l.rdb.Del(context.Background(), key)
	}
	return true, release, nil
}
