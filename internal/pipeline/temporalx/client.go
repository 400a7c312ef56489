// Package temporalx adapts the teacher's internal/temporalx Temporal
// integration into an alternate queue.Transport for enginecore. Instead of
// one workflow per job polling a job-runner handler registry, enginecore
// runs one long-lived ExecutionWorkflow per pipeline execution; every
// message that would otherwise go through a poll-based Transport is
// delivered as a workflow signal, and a single activity applies it through
// the same dispatcher.Registry the poll-based path uses, so routing and
// retry semantics are never duplicated between transports.
package temporalx

import (
	"context"
	"fmt"
	"time"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/forgepipe/enginecore/internal/platform/config"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// NewClient dials the Temporal frontend, retrying with backoff: the worker
// and the engine process both tend to race Temporal's own startup in local
// compose stacks, the same problem the teacher's client.go solves.
func NewClient(cfg config.Config, log *logger.Logger) (temporalsdkclient.Client, error) {
	opts := temporalsdkclient.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
		Logger:    log,
	}

	const (
		dialTimeout = 5 * time.Second
		maxWait     = 60 * time.Second
		backoff     = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		c, err := temporalsdkclient.DialContext(dialCtx, opts)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Info("connected to temporal", "address", cfg.TemporalHostPort, "namespace", cfg.TemporalNamespace, "attempts", attempt)
			}
			return c, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.TemporalHostPort, cfg.TemporalNamespace, err)
		}
		log.Warn("temporal not reachable, retrying", "address", cfg.TemporalHostPort, "attempt", attempt, "error", err)
		time.Sleep(clampBackoff(backoff, backoffMax, attempt))
	}
}

func clampBackoff(base, max time.Duration, attempt int) time.Duration {
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if sleep >= max {
			return max
		}
	}
	if sleep > max {
		return max
	}
	return sleep
}
