// Package recovery sweeps the session registry against reality: expired
// sessions get their tmux killed and their row marked, tmux sessions
// with no registry row get cleaned up, and long-dead rows are purged.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telemux/telemux/internal/hub/config"
	"github.com/telemux/telemux/internal/hub/serverreg"
	"github.com/telemux/telemux/internal/hub/sessionreg"
	"github.com/telemux/telemux/internal/hub/sshexec"
	"github.com/telemux/telemux/internal/metrics"
)

// RecoverResult counts one expired-session sweep.
type RecoverResult struct {
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// CleanupResult counts one orphan sweep.
type CleanupResult struct {
	Cleaned int `json:"cleaned"`
	Failed  int `json:"failed"`
}

// Orphan is a live tmux session with no active registry row.
type Orphan struct {
	ServerID    string `json:"serverId"`
	TmuxSession string `json:"tmuxSession"`
}

// Health is a point-in-time reconciliation report.
type Health struct {
	TotalSessions    int  `json:"totalSessions"`
	ActiveSessions   int  `json:"activeSessions"`
	ExpiredSessions  int  `json:"expiredSessions"`
	OrphanedSessions int  `json:"orphanedSessions"`
	Healthy          bool `json:"healthy"`
}

// Stats holds running totals since startup.
type Stats struct {
	ExpiredRecovered int64     `json:"expiredRecovered"`
	OrphanedCleaned  int64     `json:"orphanedCleaned"`
	LastRecovery     time.Time `json:"lastRecovery"`
}

// Manager runs the sweeps, on demand or periodically via Run.
type Manager struct {
	sessions  *sessionreg.Registry
	servers   *serverreg.Registry
	interval  time.Duration
	retention time.Duration

	// Used for dependency injection in tests.
	listTmux func(ctx context.Context, serverID string) ([]string, error)
	killTmux func(ctx context.Context, serverID, tmuxSession string) error

	runMu sync.Mutex // one full recovery at a time

	mu    sync.Mutex
	stats Stats
}

func New(sessions *sessionreg.Registry, servers *serverreg.Registry, executor *sshexec.Executor, cfg config.Recovery) *Manager {
	return &Manager{
		sessions:  sessions,
		servers:   servers,
		interval:  cfg.Interval,
		retention: cfg.SessionRetention,
		listTmux:  executor.ListTmuxSessions,
		killTmux:  executor.KillTmuxSession,
	}
}

// DetectExpired returns sessions still marked active whose expiry has
// passed.
func (m *Manager) DetectExpired(ctx context.Context) ([]*sessionreg.Session, error) {
	return m.sessions.ExpiredSessions(ctx)
}

// RecoverExpired kills the tmux session of each expired row, then marks
// the row expired. A failed kill is expected (the tmux may already be
// gone, the host may be down) and never blocks the mark.
func (m *Manager) RecoverExpired(ctx context.Context) (RecoverResult, error) {
	expired, err := m.sessions.ExpiredSessions(ctx)
	if err != nil {
		return RecoverResult{}, err
	}

	var res RecoverResult
	for _, sess := range expired {
		if name := sess.Metadata.TmuxSession; name != "" {
			if err := m.killTmux(ctx, sess.ServerID, name); err != nil {
				slog.Debug("kill of expired tmux failed",
					"identifier", sess.Identifier(),
					"tmux_session", name,
					"error", err,
				)
			}
		}
		if err := m.sessions.MarkExpired(ctx, sess.ID); err != nil {
			slog.Error("mark expired failed", "identifier", sess.Identifier(), "error", err)
			res.Failed++
			continue
		}
		res.Recovered++
		slog.Info("expired session recovered",
			"identifier", sess.Identifier(),
			"server_id", sess.ServerID,
		)
	}

	if res.Recovered > 0 {
		m.mu.Lock()
		m.stats.ExpiredRecovered += int64(res.Recovered)
		m.mu.Unlock()
	}
	return res, nil
}

// DetectOrphaned lists tmux sessions on every reachable server and
// returns the names the registry does not know. Unreachable servers are
// skipped; their sessions are examined on a later sweep.
func (m *Manager) DetectOrphaned(ctx context.Context) ([]Orphan, error) {
	active, err := m.sessions.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]map[string]bool)
	for _, sess := range active {
		name := sess.Metadata.TmuxSession
		if name == "" {
			continue
		}
		if known[sess.ServerID] == nil {
			known[sess.ServerID] = make(map[string]bool)
		}
		known[sess.ServerID][name] = true
	}

	var orphans []Orphan
	for _, srv := range m.servers.All() {
		names, err := m.listTmux(ctx, srv.ID)
		if err != nil {
			slog.Debug("skipping unreachable server", "server_id", srv.ID, "error", err)
			continue
		}
		for _, name := range names {
			if !known[srv.ID][name] {
				orphans = append(orphans, Orphan{ServerID: srv.ID, TmuxSession: name})
			}
		}
	}
	return orphans, nil
}

// CleanupOrphaned kills every orphaned tmux session.
func (m *Manager) CleanupOrphaned(ctx context.Context) (CleanupResult, error) {
	orphans, err := m.DetectOrphaned(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	var res CleanupResult
	for _, o := range orphans {
		if err := m.killTmux(ctx, o.ServerID, o.TmuxSession); err != nil {
			slog.Warn("kill of orphaned tmux failed",
				"server_id", o.ServerID,
				"tmux_session", o.TmuxSession,
				"error", err,
			)
			res.Failed++
			continue
		}
		res.Cleaned++
		slog.Info("orphaned tmux cleaned", "server_id", o.ServerID, "tmux_session", o.TmuxSession)
	}

	if res.Cleaned > 0 {
		m.mu.Lock()
		m.stats.OrphanedCleaned += int64(res.Cleaned)
		m.mu.Unlock()
	}
	return res, nil
}

// CheckSessionHealth reconciles the registry with the fleet. Healthy
// means nothing is waiting for recovery and nothing is orphaned.
func (m *Manager) CheckSessionHealth(ctx context.Context) (Health, error) {
	active, err := m.sessions.GetAllSessions(ctx)
	if err != nil {
		return Health{}, err
	}
	expired, err := m.sessions.ExpiredSessions(ctx)
	if err != nil {
		return Health{}, err
	}
	orphans, err := m.DetectOrphaned(ctx)
	if err != nil {
		return Health{}, err
	}

	h := Health{
		TotalSessions:    len(active) + len(expired),
		ActiveSessions:   len(active),
		ExpiredSessions:  len(expired),
		OrphanedSessions: len(orphans),
	}
	h.Healthy = h.ExpiredSessions == 0 && h.OrphanedSessions == 0
	return h, nil
}

// PerformFullRecovery runs the expired sweep, then the orphan sweep,
// then drops expired rows older than the retention window.
func (m *Manager) PerformFullRecovery(ctx context.Context) (RecoverResult, CleanupResult, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	rec, err := m.RecoverExpired(ctx)
	if err != nil {
		return rec, CleanupResult{}, err
	}
	cln, err := m.CleanupOrphaned(ctx)

	purged, purgeErr := m.sessions.PurgeExpired(ctx, m.retention)
	if purgeErr != nil {
		slog.Error("purge of expired sessions failed", "error", purgeErr)
	} else if purged > 0 {
		slog.Info("expired sessions purged", "count", purged)
	}

	m.mu.Lock()
	m.stats.LastRecovery = time.Now()
	m.mu.Unlock()
	return rec, cln, err
}

// Stats returns the running totals.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("recovery manager started", "interval", m.interval, "retention", m.retention)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("recovery manager stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	rec, cln, err := m.PerformFullRecovery(ctx)
	switch {
	case err != nil:
		slog.Error("recovery sweep failed", "error", err)
	case rec.Recovered+rec.Failed+cln.Cleaned+cln.Failed > 0:
		slog.Info("recovery sweep done",
			"recovered", rec.Recovered,
			"recover_failures", rec.Failed,
			"orphans_cleaned", cln.Cleaned,
			"cleanup_failures", cln.Failed,
		)
	}

	if count, err := m.sessions.ActiveCount(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(count))
	}
}
