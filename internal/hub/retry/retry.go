// Package retry wraps downstream calls in policy-driven exponential
// backoff. Each dependency class (SSH, Telegram, SQLite) has its own
// policy; callers pick one per call site. Errors are classified as
// transient or persistent (see classify.go); persistent errors abort
// the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/telemux/telemux/internal/metrics"
)

// Policy describes how one class of downstream dependency is retried.
type Policy struct {
	Name                string
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// Default policies. Values are design defaults; tests copy them and
// shrink the intervals.
var (
	// SSH covers remote command execution: connects, probes, exec.
	SSH = Policy{
		Name:                "ssh",
		MaxAttempts:         5,
		InitialInterval:     1 * time.Second,
		MaxInterval:         16 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}

	// Telegram covers chat API calls. Kept short: the user is waiting.
	Telegram = Policy{
		Name:                "telegram",
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}

	// Database covers transient SQLite busy/locked conditions. Many
	// cheap attempts: contention clears in milliseconds.
	Database = Policy{
		Name:                "database",
		MaxAttempts:         10,
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}
)

// backOff builds the policy's exponential backoff, reset to the first
// interval. With RandomizationFactor 0 the delay for attempt k is
// exactly min(InitialInterval·Multiplier^(k−1), MaxInterval).
func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	return b
}

// Permanent marks err as non-retryable. Do unwraps the marker before
// returning, so callers never observe it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Stats is a snapshot of a Retrier's counters.
type Stats struct {
	TotalRetries      int64
	SuccessfulRetries int64
	FailedRetries     int64
}

// Retrier executes operations under retry policies and counts retry
// outcomes. Components own their own instance rather than sharing a
// package singleton, so tests observe isolated counters.
type Retrier struct {
	totalRetries      atomic.Int64
	successfulRetries atomic.Int64
	failedRetries     atomic.Int64
}

func New() *Retrier {
	return &Retrier{}
}

// Stats returns the current counter values.
func (r *Retrier) Stats() Stats {
	return Stats{
		TotalRetries:      r.totalRetries.Load(),
		SuccessfulRetries: r.successfulRetries.Load(),
		FailedRetries:     r.failedRetries.Load(),
	}
}

// Do runs fn up to p.MaxAttempts times, sleeping the policy's backoff
// between attempts. A successful first attempt incurs no delay and no
// logging. Persistent errors (see Retryable) and context cancellation
// abort the loop; the originating error is always reachable through
// errors.Is/As on the returned error.
func (r *Retrier) Do(ctx context.Context, p Policy, operation string, fn func() error) error {
	bo := p.backOff()

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				r.successfulRetries.Add(1)
				slog.Info("operation succeeded after retry",
					"operation", operation,
					"policy", p.Name,
					"attempt", attempt,
				)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			lastErr = perm.Unwrap()
			r.recordFailure(attempt)
			slog.Error("operation failed, not retryable",
				"operation", operation,
				"policy", p.Name,
				"attempts", attempt,
				"error", lastErr,
			)
			return lastErr
		}
		if !Retryable(err) {
			r.recordFailure(attempt)
			slog.Error("operation failed, not retryable",
				"operation", operation,
				"policy", p.Name,
				"attempts", attempt,
				"error", err,
			)
			return err
		}

		if attempt >= p.MaxAttempts {
			r.recordFailure(attempt)
			slog.Error("operation failed, retries exhausted",
				"operation", operation,
				"policy", p.Name,
				"attempts", attempt,
				"error", err,
			)
			return fmt.Errorf("%s failed after %d attempts: %w", operation, attempt, lastErr)
		}

		interval := bo.NextBackOff()
		r.totalRetries.Add(1)
		metrics.RetryAttempts.WithLabelValues(p.Name).Inc()
		slog.Warn("operation failed, retrying...",
			"operation", operation,
			"policy", p.Name,
			"attempt", attempt,
			"backoff", interval,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// recordFailure counts a final failure, but only when the operation
// actually consumed a retry.
func (r *Retrier) recordFailure(attempts int) {
	if attempts > 1 {
		r.failedRetries.Add(1)
	}
}

// DoValue runs fn under Do's retry loop and returns its value on
// success, the zero value on failure. A package function because
// methods cannot carry type parameters.
func DoValue[T any](ctx context.Context, r *Retrier, p Policy, operation string, fn func() (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, p, operation, func() error {
		var ferr error
		out, ferr = fn()
		return ferr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
