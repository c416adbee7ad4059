// Package breaker implements a per-server circuit breaker. A server
// that keeps failing is cut off for a cooldown period so callers fail
// fast instead of burning retry budgets against a dead host.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telemux/telemux/internal/metrics"
)

// State is the breaker position.
type State int

const (
	// Closed passes operations through. Initial state.
	Closed State = iota
	// Open rejects operations until the probe deadline.
	Open
	// HalfOpen admits operations as probes after the cooldown.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes a breaker. Zero fields fall back to the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state that trips the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open
	// successes that close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before admitting a
	// probe.
	Timeout time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// OpenError is returned by Allow while the breaker is rejecting
// operations. RetryAfter is the time until the next probe is admitted.
type OpenError struct {
	ServerID   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for server %q, retry in %s",
		e.ServerID, e.RetryAfter.Round(time.Second))
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	ServerID            string    `json:"serverId"`
	State               string    `json:"state"`
	FailureCount        int       `json:"failureCount"`
	SuccessCount        int       `json:"successCount"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalOperations     int64     `json:"totalOperations"`
	LastFailureAt       time.Time `json:"lastFailureAt"`
	LastSuccessAt       time.Time `json:"lastSuccessAt"`
	NextProbeAt         time.Time `json:"nextProbeAt"`
	SuccessRate         float64   `json:"successRate"`
}

// Breaker guards a single server. There is no timer goroutine: the
// open→half_open transition is evaluated lazily on the next Allow call,
// so an idle breaker costs nothing. All transitions happen under one
// mutex, which serializes probe-deadline checks against operation
// results.
type Breaker struct {
	serverID string
	cfg      Config

	mu                  sync.Mutex
	state               State
	failureCount        int
	successCount        int
	consecutiveFailures int
	totalOperations     int64
	totalSuccesses      int64
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	nextProbeAt         time.Time
}

// New creates a closed breaker for serverID.
func New(serverID string, cfg Config) *Breaker {
	return &Breaker{
		serverID: serverID,
		cfg:      cfg.withDefaults(),
	}
}

// Allow reports whether an operation may proceed. In the open state it
// returns an *OpenError until the probe deadline, then flips to
// half_open and admits the call as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		now := time.Now()
		if now.Before(b.nextProbeAt) {
			return &OpenError{
				ServerID:   b.serverID,
				RetryAfter: b.nextProbeAt.Sub(now),
			}
		}
		b.state = HalfOpen
		b.successCount = 0
		slog.Info("circuit breaker half-open, probing", "server", b.serverID)
	}
	return nil
}

// RecordSuccess notes a successful operation. In the closed state it
// decays failureCount by one; in half_open it counts toward the
// SuccessThreshold that closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalOperations++
	b.totalSuccesses++
	b.lastSuccessAt = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
		b.consecutiveFailures = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.toClosed()
			slog.Info("circuit breaker closed", "server", b.serverID)
		}
	case Open:
		// Straggler from before the trip. The state machine only
		// leaves open through the probe deadline.
	}
}

// RecordFailure notes a failed operation. FailureThreshold consecutive
// failures in the closed state trip the breaker; any failure in
// half_open reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalOperations++
	b.lastFailureAt = time.Now()

	switch b.state {
	case Closed:
		b.failureCount++
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	case Open:
		// Straggler; the probe deadline stands.
	}
}

// trip must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = Open
	b.successCount = 0
	b.nextProbeAt = time.Now().Add(b.cfg.Timeout)
	metrics.BreakerOpens.WithLabelValues(b.serverID).Inc()
	slog.Warn("circuit breaker opened",
		"server", b.serverID,
		"consecutive_failures", b.consecutiveFailures,
		"retry_after", b.cfg.Timeout,
	)
}

// toClosed must be called with b.mu held.
func (b *Breaker) toClosed() {
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.consecutiveFailures = 0
	b.nextProbeAt = time.Time{}
}

// State returns the current state, evaluating a due probe deadline
// first so callers never observe a stale open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && !time.Now().Before(b.nextProbeAt) {
		return HalfOpen
	}
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 0.0
	if b.totalOperations > 0 {
		rate = float64(b.totalSuccesses) / float64(b.totalOperations)
	}
	return Stats{
		ServerID:            b.serverID,
		State:               b.state.String(),
		FailureCount:        b.failureCount,
		SuccessCount:        b.successCount,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalOperations:     b.totalOperations,
		LastFailureAt:       b.lastFailureAt,
		LastSuccessAt:       b.lastSuccessAt,
		NextProbeAt:         b.nextProbeAt,
		SuccessRate:         rate,
	}
}

// Reset is the operator escape hatch: back to closed with every
// counter, timestamp, and probe deadline cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.toClosed()
	b.totalOperations = 0
	b.totalSuccesses = 0
	b.lastFailureAt = time.Time{}
	b.lastSuccessAt = time.Time{}
	slog.Info("circuit breaker reset", "server", b.serverID)
}
