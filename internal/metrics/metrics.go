// Package metrics provides Prometheus instrumentation for TeleMux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemux_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemux_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Notification pipeline metrics.
var (
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemux_notifications_total",
		Help: "Agent notifications processed, by dispatch outcome.",
	}, []string{"outcome"})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemux_sessions_created_total",
		Help: "Total number of sessions created.",
	})

	SessionsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemux_sessions_updated_total",
		Help: "Total number of session upserts that renewed an existing session.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemux_active_sessions",
		Help: "Number of currently active sessions.",
	})
)

// Reliability metrics.
var (
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemux_retry_attempts_total",
		Help: "Retry attempts performed, by policy.",
	}, []string{"policy"})

	BreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemux_breaker_opens_total",
		Help: "Circuit breaker open transitions, by server.",
	}, []string{"server"})

	DLQEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemux_dlq_enqueued_total",
		Help: "Messages enqueued to the dead-letter queue.",
	})

	DLQPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemux_dlq_pending",
		Help: "Dead-letter messages pending retry.",
	})
)

// Command execution metrics.
var (
	SSHExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemux_ssh_executions_total",
		Help: "Command executions, by server and outcome.",
	}, []string{"server", "outcome"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemux_commands_total",
		Help: "Chat commands handled, by outcome.",
	}, []string{"outcome"})
)
