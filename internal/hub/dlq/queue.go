// Package dlq persists messages whose dispatch failed so they survive
// hub restarts and can be retried on an escalating schedule.
package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/telemux/telemux/internal/hub/db"
	"github.com/telemux/telemux/internal/hub/id"
	"github.com/telemux/telemux/internal/metrics"
	"github.com/telemux/telemux/internal/util/timefmt"
)

// Config tunes the queue. Zero fields fall back to the defaults.
type Config struct {
	// MaxAttempts is the number of redelivery attempts before a
	// message is archived.
	MaxAttempts int
	// RetryIntervals is the escalating wait schedule, indexed by
	// attempt count. Attempts beyond the last entry reuse it.
	RetryIntervals []time.Duration
}

// DefaultConfig returns the production schedule: five attempts at
// 1, 2, 4, 8 and 16 minutes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		RetryIntervals: []time.Duration{
			60 * time.Second,
			120 * time.Second,
			240 * time.Second,
			480 * time.Second,
			960 * time.Second,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if len(c.RetryIntervals) == 0 {
		c.RetryIntervals = def.RetryIntervals
	}
	return c
}

// Message is one dead-lettered payload.
type Message struct {
	ID              string
	Type            string
	Payload         []byte
	AttemptCount    int
	FirstFailedAt   time.Time
	LastAttemptedAt time.Time // zero when never attempted
	LastError       string
	Archived        bool
}

// Stats summarizes the queue for the diagnostics endpoint.
type Stats struct {
	Total     int64            `json:"totalMessages"`
	Pending   int64            `json:"pendingMessages"`
	Archived  int64            `json:"archivedMessages"`
	ByType    map[string]int64 `json:"byType"`
	OldestAge time.Duration    `json:"oldestMessageAge"`
}

// Queue is a persistent dead-letter queue backed by its own SQLite
// file. Safe for concurrent use; writes serialize on the single
// connection.
type Queue struct {
	db       *sql.DB
	cfg      Config
	readySQL string
}

// Open opens (creating if needed) the queue database at path and runs
// its migrations.
func Open(path string, cfg Config) (*Queue, error) {
	sqlDB, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dlq database: %w", err)
	}
	if err := db.Migrate(sqlDB, db.SetDLQ); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate dlq database: %w", err)
	}

	q := &Queue{db: sqlDB, cfg: cfg.withDefaults()}
	q.readySQL = buildReadySQL(q.cfg.RetryIntervals)
	return q, nil
}

// buildReadySQL renders the escalation schedule as a CASE expression
// so readiness is evaluated inside the dequeue query.
func buildReadySQL(intervals []time.Duration) string {
	var b strings.Builder
	b.WriteString("CASE\n")
	for i := len(intervals) - 1; i >= 1; i-- {
		fmt.Fprintf(&b, "  WHEN attempt_count >= %d THEN %d\n", i, int64(intervals[i]/time.Second))
	}
	fmt.Fprintf(&b, "  ELSE %d\nEND", int64(intervals[0]/time.Second))
	return b.String()
}

// Enqueue persists a failed payload and returns its message ID.
func (q *Queue) Enqueue(ctx context.Context, msgType string, payload []byte, cause error) (string, error) {
	msgID := id.New()
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	now := time.Now().Unix()

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, type, payload, attempt_count, first_failed_at, last_error, archived, created_at)
		VALUES (?, ?, ?, 0, ?, ?, 0, ?)`,
		msgID, msgType, string(payload), now, lastError, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue dead letter: %w", err)
	}

	metrics.DLQEnqueued.Inc()
	q.refreshGauge(ctx)
	slog.Warn("message dead-lettered",
		"message_id", msgID,
		"type", msgType,
		"error", lastError,
	)
	return msgID, nil
}

// DequeuePending returns up to limit non-archived messages whose retry
// window has elapsed, oldest failure first. Messages that exhausted
// their attempts are never returned.
func (q *Queue) DequeuePending(ctx context.Context, limit int) ([]Message, error) {
	query := fmt.Sprintf(`
		SELECT id, type, payload, attempt_count, first_failed_at, last_attempted_at, last_error, archived
		FROM dead_letters
		WHERE archived = 0
		  AND attempt_count < ?
		  AND (last_attempted_at IS NULL OR ? - last_attempted_at >= %s)
		ORDER BY first_failed_at ASC
		LIMIT ?`, q.readySQL)

	rows, err := q.db.QueryContext(ctx, query, q.cfg.MaxAttempts, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue pending: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecordRetryAttempt notes a failed redelivery. Once the attempt count
// reaches MaxAttempts the message is archived.
func (q *Queue) RecordRetryAttempt(ctx context.Context, msgID string, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE dead_letters
		SET attempt_count = attempt_count + 1,
		    last_attempted_at = ?,
		    last_error = ?,
		    archived = CASE WHEN attempt_count + 1 >= ? THEN 1 ELSE archived END
		WHERE id = ?
		RETURNING attempt_count, archived`,
		time.Now().Unix(), lastError, q.cfg.MaxAttempts, msgID,
	)

	var attempts int
	var archived bool
	if err := row.Scan(&attempts, &archived); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("dead letter %s not found", msgID)
		}
		return fmt.Errorf("record retry attempt: %w", err)
	}

	if archived {
		slog.Warn("dead letter archived, retries exhausted",
			"message_id", msgID,
			"attempts", attempts,
		)
		q.refreshGauge(ctx)
	}
	return nil
}

// RecordSuccess deletes a redelivered message.
func (q *Queue) RecordSuccess(ctx context.Context, msgID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, msgID)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.refreshGauge(ctx)
		slog.Info("dead letter redelivered", "message_id", msgID)
	}
	return nil
}

// Archive retires a message without further attempts.
func (q *Queue) Archive(ctx context.Context, msgID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE dead_letters SET archived = 1 WHERE id = ?`, msgID)
	if err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	q.refreshGauge(ctx)
	return nil
}

// CleanupOldArchived deletes archived messages whose first failure is
// older than the cutoff. Returns the number deleted.
func (q *Queue) CleanupOldArchived(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE archived = 1 AND first_failed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup archived: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("cleaned up archived dead letters", "deleted", n)
	}
	return n, nil
}

// Stats reports queue totals, per-type counts, and the age of the
// oldest pending message.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByType: make(map[string]int64)}

	row := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN archived = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN archived = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(MIN(CASE WHEN archived = 0 THEN first_failed_at END), 0)
		FROM dead_letters`)

	var oldest int64
	if err := row.Scan(&stats.Total, &stats.Pending, &stats.Archived, &oldest); err != nil {
		return Stats{}, fmt.Errorf("dlq stats: %w", err)
	}
	if oldest > 0 {
		stats.OldestAge = time.Since(timefmt.FromUnix(oldest)).Truncate(time.Second)
	}

	rows, err := q.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM dead_letters GROUP BY type`)
	if err != nil {
		return Stats{}, fmt.Errorf("dlq stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgType string
		var count int64
		if err := rows.Scan(&msgType, &count); err != nil {
			return Stats{}, err
		}
		stats.ByType[msgType] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	metrics.DLQPending.Set(float64(stats.Pending))
	return stats, nil
}

// Checkpoint forces a WAL checkpoint.
func (q *Queue) Checkpoint() error {
	return db.Checkpoint(q.db, "FULL")
}

// Close truncates the WAL and releases the database file.
func (q *Queue) Close() error {
	if err := db.Checkpoint(q.db, "TRUNCATE"); err != nil {
		slog.Warn("dlq checkpoint on close failed", "error", err)
	}
	return q.db.Close()
}

func (q *Queue) refreshGauge(ctx context.Context) {
	var pending int64
	row := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE archived = 0`)
	if err := row.Scan(&pending); err != nil {
		return
	}
	metrics.DLQPending.Set(float64(pending))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		payload     string
		firstFailed int64
		lastAttempt sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.Type, &payload, &m.AttemptCount, &firstFailed, &lastAttempt, &m.LastError, &m.Archived)
	if err != nil {
		return Message{}, fmt.Errorf("scan dead letter: %w", err)
	}
	m.Payload = []byte(payload)
	m.FirstFailedAt = timefmt.FromUnix(firstFailed)
	if lastAttempt.Valid {
		m.LastAttemptedAt = timefmt.FromUnix(lastAttempt.Int64)
	}
	return m, nil
}
