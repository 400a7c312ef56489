// Package retry implements the two independent backoff dimensions: a
// task's own declared RUNNING backoffPeriod, and a handler's re-queue delay
// when downstream work is still pending. Math is adapted from the
// teacher's orchestrator engine's exponential-with-jitter computation.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy bounds the message-level re-queue delay and the absolute attempt
// cap beyond which a message is converted into an Invalid marker.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxAttempts int
}

// DefaultPolicy is the engine's out-of-the-box policy: 30s base delay,
// capped growth, 1000 attempts before the message is abandoned as Invalid.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    10 * time.Minute,
		MaxAttempts: 1000,
	}
}

// Exceeded reports whether attempts has crossed the absolute cap.
func (p Policy) Exceeded(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Delay computes the message-level re-queue delay for the given attempt
// count: exponential growth off BaseDelay, clamped to MaxDelay, with +/-20%
// jitter so many pending messages don't wake in lockstep.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := math.Pow(1.5, float64(attempts-1))
	d := time.Duration(float64(p.BaseDelay) * factor)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return jitter(d)
}

// jitter multiplies d by a uniform factor in [0.8, 1.2].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

// TaskBackoff clamps a task-declared backoffPeriod into a sane window so a
// misbehaving task implementation can't park a RunTask delivery forever or
// spin the dispatcher with a zero delay.
func TaskBackoff(declared time.Duration) time.Duration {
	const (
		min = 1 * time.Second
		max = 5 * time.Minute
	)
	switch {
	case declared < min:
		return min
	case declared > max:
		return max
	default:
		return declared
	}
}
