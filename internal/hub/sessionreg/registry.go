// Package sessionreg is the persistent session registry. Every agent
// notification upserts a session here; chat commands resolve their
// target through it. Sessions live for 24 hours from the last
// notification and are addressable by server number or token.
package sessionreg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/telemux/telemux/internal/hub/db"
	"github.com/telemux/telemux/internal/hub/id"
	"github.com/telemux/telemux/internal/hub/metacodec"
	"github.com/telemux/telemux/internal/metrics"
	"github.com/telemux/telemux/internal/util/timefmt"
)

// TTL is how long a session stays addressable after its last
// notification.
const TTL = 24 * time.Hour

// Session statuses.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// identifierRe matches the human-addressable form "serverId:number".
var identifierRe = regexp.MustCompile(`^([a-z0-9]+):(\d+)$`)

// Metadata is the free-form context attached to a session. It is
// serialized into the metadata blob, never indexed.
type Metadata struct {
	UserQuestion   string `json:"userQuestion,omitempty"`
	ClaudeResponse string `json:"claudeResponse,omitempty"`
	TmuxSession    string `json:"tmuxSession,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
}

// Session is one registered agent session.
type Session struct {
	ID           string    `json:"id"`
	ServerID     string    `json:"serverId"`
	ServerNumber int64     `json:"serverNumber"`
	Token        string    `json:"token"`
	Project      string    `json:"project"`
	TmuxSession  string    `json:"tmuxSession"`
	Status       string    `json:"status"`
	Metadata     Metadata  `json:"metadata"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Identifier returns the human-addressable "serverId:number" form.
func (s *Session) Identifier() string {
	return fmt.Sprintf("%s:%d", s.ServerID, s.ServerNumber)
}

// CreateSessionInput is the upsert request derived from one agent
// notification.
type CreateSessionInput struct {
	ServerID string
	Project  string
	Metadata Metadata
}

// Registry stores sessions in a SQLite file. Safe for concurrent use:
// reads run in parallel under WAL, writes serialize on the single
// connection.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database at path and
// runs its migrations.
func Open(path string) (*Registry, error) {
	sqlDB, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	if err := db.Migrate(sqlDB, db.SetSessions); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate session database: %w", err)
	}
	return &Registry{db: sqlDB}, nil
}

// CreateSession upserts the session for (serverID, metadata.tmuxSession).
// An active session is renewed in place: project, metadata, and expiry
// change while id, serverNumber, and token stay stable. Otherwise a new
// session is inserted with the next server number and a fresh token.
func (r *Registry) CreateSession(ctx context.Context, in CreateSessionInput) (*Session, error) {
	if in.ServerID == "" {
		return nil, errors.New("server id is required")
	}

	metaJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	blob, comp := metacodec.Encode(metaJSON)

	now := time.Now()
	expiresAt := now.Add(TTL)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		sessionID string
		number    int64
		token     string
		createdAt int64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT id, server_number, token, created_at FROM sessions
		WHERE server_id = ? AND tmux_session = ? AND status = ? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1`,
		in.ServerID, in.Metadata.TmuxSession, StatusActive, now.Unix(),
	)
	err = row.Scan(&sessionID, &number, &token, &createdAt)

	switch {
	case err == nil:
		// Renewal path.
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET project = ?, metadata = ?, metadata_compression = ?, expires_at = ?
			WHERE id = ?`,
			in.Project, blob, comp, expiresAt.Unix(), sessionID,
		)
		if err != nil {
			return nil, fmt.Errorf("renew session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		metrics.SessionsUpdated.Inc()
		slog.Debug("session renewed",
			"session_id", sessionID,
			"identifier", fmt.Sprintf("%s:%d", in.ServerID, number),
		)
		return &Session{
			ID:           sessionID,
			ServerID:     in.ServerID,
			ServerNumber: number,
			Token:        token,
			Project:      in.Project,
			TmuxSession:  in.Metadata.TmuxSession,
			Status:       StatusActive,
			Metadata:     in.Metadata,
			CreatedAt:    timefmt.FromUnix(createdAt),
			ExpiresAt:    timefmt.FromUnix(expiresAt.Unix()),
		}, nil

	case errors.Is(err, sql.ErrNoRows):
		// Creation path. The counter table hands out numbers that are
		// never reused, even after rows are purged.
		row := tx.QueryRowContext(ctx, `
			INSERT INTO server_counters (server_id, last_number) VALUES (?, 1)
			ON CONFLICT (server_id) DO UPDATE SET last_number = last_number + 1
			RETURNING last_number`,
			in.ServerID,
		)
		if err := row.Scan(&number); err != nil {
			return nil, fmt.Errorf("allocate server number: %w", err)
		}

		sessionID = id.New()
		token = id.Token()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, server_id, server_number, token, project, tmux_session,
			                      status, metadata, metadata_compression, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, in.ServerID, number, token, in.Project, in.Metadata.TmuxSession,
			StatusActive, blob, comp, now.Unix(), expiresAt.Unix(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		metrics.SessionsCreated.Inc()
		r.refreshGauge(ctx)
		slog.Info("session created",
			"session_id", sessionID,
			"identifier", fmt.Sprintf("%s:%d", in.ServerID, number),
			"project", in.Project,
		)
		return &Session{
			ID:           sessionID,
			ServerID:     in.ServerID,
			ServerNumber: number,
			Token:        token,
			Project:      in.Project,
			TmuxSession:  in.Metadata.TmuxSession,
			Status:       StatusActive,
			Metadata:     in.Metadata,
			CreatedAt:    timefmt.FromUnix(now.Unix()),
			ExpiresAt:    timefmt.FromUnix(expiresAt.Unix()),
		}, nil

	default:
		return nil, fmt.Errorf("lookup active session: %w", err)
	}
}

const sessionColumns = `id, server_id, server_number, token, project, tmux_session,
	status, metadata, metadata_compression, created_at, expires_at`

// FindSession resolves an identifier to an active session. The
// identifier is either "serverId:number", a token, or a raw session ID.
// Returns nil without error when nothing active matches. Expired rows
// are swept (marked, not deleted) before the lookup.
func (r *Registry) FindSession(ctx context.Context, identifier string) (*Session, error) {
	r.sweepExpired(ctx)

	now := time.Now().Unix()
	var row *sql.Row
	if m := identifierRe.FindStringSubmatch(identifier); m != nil {
		number, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return nil, nil
		}
		row = r.db.QueryRowContext(ctx, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE server_id = ? AND server_number = ? AND status = ? AND expires_at > ?`,
			m[1], number, StatusActive, now,
		)
	} else {
		row = r.db.QueryRowContext(ctx, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE (token = ? OR id = ?) AND status = ? AND expires_at > ?`,
			identifier, identifier, StatusActive, now,
		)
	}

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetServerSessions returns the active sessions for one server, newest
// number first.
func (r *Registry) GetServerSessions(ctx context.Context, serverID string) ([]*Session, error) {
	return r.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE server_id = ? AND status = ? AND expires_at > ?
		ORDER BY server_number DESC`,
		serverID, StatusActive, time.Now().Unix(),
	)
}

// GetAllSessions returns every active session, newest first.
func (r *Registry) GetAllSessions(ctx context.Context) ([]*Session, error) {
	return r.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND expires_at > ?
		ORDER BY created_at DESC`,
		StatusActive, time.Now().Unix(),
	)
}

// ExpiredSessions returns sessions still marked active whose expiry has
// passed. The recovery manager kills their tmux sessions before marking
// them expired.
func (r *Registry) ExpiredSessions(ctx context.Context) ([]*Session, error) {
	return r.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at ASC`,
		StatusActive, time.Now().Unix(),
	)
}

// MarkExpired flips one session to the expired status.
func (r *Registry) MarkExpired(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, StatusExpired, sessionID)
	if err != nil {
		return fmt.Errorf("mark session expired: %w", err)
	}
	r.refreshGauge(ctx)
	return nil
}

// PurgeExpired deletes expired sessions whose expiry is older than the
// retention window. Returns the number deleted. Server numbers are not
// reused afterwards; the counter table survives the purge.
func (r *Registry) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = ? AND expires_at < ?`, StatusExpired, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("purged expired sessions", "deleted", n)
	}
	return n, nil
}

// ActiveCount returns the number of active sessions.
func (r *Registry) ActiveCount(ctx context.Context) (int64, error) {
	var n int64
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = ? AND expires_at > ?`,
		StatusActive, time.Now().Unix())
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// Checkpoint forces a WAL checkpoint.
func (r *Registry) Checkpoint() error {
	return db.Checkpoint(r.db, "FULL")
}

// Close truncates the WAL and releases the database file.
func (r *Registry) Close() error {
	if err := db.Checkpoint(r.db, "TRUNCATE"); err != nil {
		slog.Warn("session registry checkpoint on close failed", "error", err)
	}
	return r.db.Close()
}

// sweepExpired marks overdue rows as expired. Best effort: the recovery
// manager also sweeps periodically, and its orphan pass kills any tmux
// session this mark leaves behind.
func (r *Registry) sweepExpired(ctx context.Context) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE status = ? AND expires_at <= ?`,
		StatusExpired, StatusActive, time.Now().Unix())
	if err != nil {
		slog.Warn("expired session sweep failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("swept expired sessions", "count", n)
		r.refreshGauge(ctx)
	}
}

func (r *Registry) refreshGauge(ctx context.Context) {
	if n, err := r.ActiveCount(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	}
}

func (r *Registry) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s         Session
		blob      []byte
		comp      int
		createdAt int64
		expiresAt int64
	)
	err := row.Scan(&s.ID, &s.ServerID, &s.ServerNumber, &s.Token, &s.Project, &s.TmuxSession,
		&s.Status, &blob, &comp, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	metaJSON, err := metacodec.Decode(blob, metacodec.Compression(comp))
	if err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}

	s.CreatedAt = timefmt.FromUnix(createdAt)
	s.ExpiresAt = timefmt.FromUnix(expiresAt)
	return &s, nil
}
