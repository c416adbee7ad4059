package dlq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// archiveRetention is how long archived messages are kept for
// inspection before the daily cleanup deletes them.
const archiveRetention = 30 * 24 * time.Hour

// DispatchFunc redelivers one dead-lettered payload. Used for
// dependency injection in tests.
type DispatchFunc func(ctx context.Context, msg Message) error

// Retrier drains the queue on a fixed tick, handing ready messages to
// the dispatch function and recording the outcome on each.
type Retrier struct {
	queue    *Queue
	dispatch DispatchFunc
	interval time.Duration
	batch    int
}

// NewRetrier creates a retrier that processes up to batch messages
// every interval.
func NewRetrier(queue *Queue, dispatch DispatchFunc, interval time.Duration, batch int) *Retrier {
	return &Retrier{
		queue:    queue,
		dispatch: dispatch,
		interval: interval,
		batch:    batch,
	}
}

// Run processes the queue until ctx is canceled. Archived messages
// past their retention are swept once a day.
func (r *Retrier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	slog.Info("dlq retry loop started", "interval", r.interval, "batch", r.batch)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dlq retry loop stopped")
			return
		case <-ticker.C:
			r.ProcessOnce(ctx)
		case <-cleanup.C:
			if _, err := r.queue.CleanupOldArchived(ctx, archiveRetention); err != nil {
				slog.Warn("dlq archive cleanup failed", "error", err)
			}
		}
	}
}

// ProcessOnce dequeues one batch and redelivers each message. Distinct
// messages are dispatched in parallel; a message already handed out in
// this tick is not dequeued again because the outcome is recorded
// before the next tick runs.
func (r *Retrier) ProcessOnce(ctx context.Context) (redelivered, failed int) {
	msgs, err := r.queue.DequeuePending(ctx, r.batch)
	if err != nil {
		slog.Error("dlq dequeue failed", "error", err)
		return 0, 0
	}
	if len(msgs) == 0 {
		return 0, 0
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg Message) {
			defer wg.Done()

			if err := r.dispatch(ctx, msg); err != nil {
				slog.Warn("dead letter redelivery failed",
					"message_id", msg.ID,
					"type", msg.Type,
					"attempt", msg.AttemptCount+1,
					"error", err,
				)
				if recErr := r.queue.RecordRetryAttempt(ctx, msg.ID, err); recErr != nil {
					slog.Error("record retry attempt failed", "message_id", msg.ID, "error", recErr)
				}
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			if recErr := r.queue.RecordSuccess(ctx, msg.ID); recErr != nil {
				slog.Error("record success failed", "message_id", msg.ID, "error", recErr)
			}
			mu.Lock()
			redelivered++
			mu.Unlock()
		}(msg)
	}
	wg.Wait()

	slog.Info("dlq batch processed", "redelivered", redelivered, "failed", failed)
	return redelivered, failed
}
