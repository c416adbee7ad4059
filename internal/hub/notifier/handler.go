// Package notifier ingests agent completion reports, upserts their
// sessions, and forwards rendered notifications to the chat channel,
// dead-lettering what cannot be delivered.
package notifier

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/telemux/telemux/internal/hub/chat"
	"github.com/telemux/telemux/internal/hub/dlq"
	"github.com/telemux/telemux/internal/hub/retry"
	"github.com/telemux/telemux/internal/hub/serverreg"
	"github.com/telemux/telemux/internal/hub/sessionreg"
	"github.com/telemux/telemux/internal/hub/validate"
	"github.com/telemux/telemux/internal/metrics"
)

// secretHeader authenticates agent requests.
const secretHeader = "X-Shared-Secret"

// dlqTypeNotification tags dead-lettered chat notifications.
const dlqTypeNotification = "telegram_notification"

const maxBodyBytes = 1 << 20

// Notifier handles the agent-facing ingest API.
type Notifier struct {
	servers  *serverreg.Registry
	sessions *sessionreg.Registry
	sender   chat.Sender
	retrier  *retry.Retrier
	queue    *dlq.Queue // nil disables dead-lettering
	chatID   int64

	dbPolicy   retry.Policy
	chatPolicy retry.Policy
}

// New wires the ingest pipeline. Pass a nil queue to disable the DLQ.
func New(servers *serverreg.Registry, sessions *sessionreg.Registry, sender chat.Sender, retrier *retry.Retrier, queue *dlq.Queue, chatID int64) *Notifier {
	return &Notifier{
		servers:    servers,
		sessions:   sessions,
		sender:     sender,
		retrier:    retrier,
		queue:      queue,
		chatID:     chatID,
		dbPolicy:   retry.Database,
		chatPolicy: retry.Telegram,
	}
}

type notifyRequest struct {
	ServerID string              `json:"serverId"`
	Type     string              `json:"type"`
	Project  string              `json:"project"`
	Metadata sessionreg.Metadata `json:"metadata"`
}

func (req *notifyRequest) validate(servers *serverreg.Registry) error {
	if strings.TrimSpace(req.ServerID) == "" {
		return errors.New("serverId is required")
	}
	if req.Type == "" {
		return errors.New("type is required")
	}
	if req.Type != TypeCompleted && req.Type != TypeWaiting {
		return fmt.Errorf("type must be %q or %q", TypeCompleted, TypeWaiting)
	}
	if strings.TrimSpace(req.Project) == "" {
		return errors.New("project is required")
	}
	if !servers.Has(req.ServerID) {
		return fmt.Errorf("unknown server %q", req.ServerID)
	}
	name, err := validate.SanitizeTmuxSession(req.Metadata.TmuxSession)
	if err != nil {
		return fmt.Errorf("metadata.tmuxSession: %w", err)
	}
	req.Metadata.TmuxSession = name
	return nil
}

type sessionInfo struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Token      string `json:"token"`
}

type notifyResponse struct {
	Success bool        `json:"success"`
	Session sessionInfo `json:"session"`
}

// HandleNotify processes POST /notify: authenticate, validate, upsert
// the session, render, and dispatch. Delivery failures are
// dead-lettered and reported to the agent as 500 so its own logs show
// the miss.
func (n *Notifier) HandleNotify(w http.ResponseWriter, r *http.Request) {
	if !n.authenticated(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := req.validate(n.servers); err != nil {
		metrics.NotificationsTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()
	_ = n.servers.UpdateStatus(req.ServerID, serverreg.StatusActive)

	sess, err := retry.DoValue(ctx, n.retrier, n.dbPolicy, "session upsert", func() (*sessionreg.Session, error) {
		return n.sessions.CreateSession(ctx, sessionreg.CreateSessionInput{
			ServerID: req.ServerID,
			Project:  req.Project,
			Metadata: req.Metadata,
		})
	})
	if err != nil {
		slog.Error("session upsert failed", "server", req.ServerID, "error", err)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist session"})
		return
	}

	notif := chat.Notification{
		Text:    formatNotification(sess, req.Type),
		Buttons: notificationButtons(sess, n.chatID),
	}
	if err := n.deliver(ctx, notif); err != nil {
		slog.Error("notification delivery failed", "server", req.ServerID, "session", sess.Identifier(), "error", err)
		outcome := "failed"
		if n.deadLetter(ctx, notif, err) {
			outcome = "queued"
		}
		metrics.NotificationsTotal.WithLabelValues(outcome).Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "notification delivery failed: " + err.Error(),
		})
		return
	}

	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	slog.Info("notification delivered", "server", req.ServerID, "session", sess.Identifier(), "type", req.Type)
	writeJSON(w, http.StatusOK, notifyResponse{
		Success: true,
		Session: sessionInfo{ID: sess.ID, Identifier: sess.Identifier(), Token: sess.Token},
	})
}

// deliver splits the rendered text at the chat ceiling and sends each
// part under the chat retry policy. Buttons ride on the final part.
func (n *Notifier) deliver(ctx context.Context, notif chat.Notification) error {
	parts := chat.SplitMessage(notif.Text)
	for i, part := range parts {
		out := chat.Notification{ChatID: notif.ChatID, Text: part}
		if i == len(parts)-1 {
			out.Buttons = notif.Buttons
		}
		err := n.retrier.Do(ctx, n.chatPolicy, "chat send", func() error {
			return n.sender.Send(ctx, out)
		})
		if err != nil {
			return fmt.Errorf("send part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

// deadLetter persists an undeliverable notification for the retry
// loop. Reports whether the message was queued.
func (n *Notifier) deadLetter(ctx context.Context, notif chat.Notification, cause error) bool {
	if n.queue == nil {
		return false
	}
	payload, err := json.Marshal(notif)
	if err != nil {
		slog.Error("marshal dead-lettered notification", "error", err)
		return false
	}
	if _, err := n.queue.Enqueue(ctx, dlqTypeNotification, payload, cause); err != nil {
		slog.Error("dead-letter enqueue failed", "error", err)
		return false
	}
	return true
}

// Redeliver replays one dead-lettered notification. Wired into the DLQ
// retry loop as its dispatch function.
func (n *Notifier) Redeliver(ctx context.Context, msg dlq.Message) error {
	switch msg.Type {
	case dlqTypeNotification:
		var notif chat.Notification
		if err := json.Unmarshal(msg.Payload, &notif); err != nil {
			return fmt.Errorf("decode dead-lettered notification: %w", err)
		}
		return n.deliver(ctx, notif)
	default:
		return fmt.Errorf("unknown dead letter type %q", msg.Type)
	}
}

type healthResponse struct {
	Status         string `json:"status"`
	Servers        int    `json:"servers"`
	ActiveSessions int64  `json:"activeSessions"`
}

// HandleHealth reports liveness plus coarse registry counts.
func (n *Notifier) HandleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := n.sessions.ActiveCount(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Servers:        n.servers.Count(),
		ActiveSessions: count,
	})
}

type sessionsResponse struct {
	Count    int                   `json:"count"`
	Sessions []*sessionreg.Session `json:"sessions"`
}

// HandleSessions lists all active sessions, newest first.
func (n *Notifier) HandleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := n.sessions.GetAllSessions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []*sessionreg.Session{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Count: len(sessions), Sessions: sessions})
}

type dlqStatsResponse struct {
	Enabled bool `json:"enabled"`
	dlq.Stats
}

// HandleDLQStats reports queue depth and age for diagnostics.
func (n *Notifier) HandleDLQStats(w http.ResponseWriter, r *http.Request) {
	if n.queue == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	stats, err := n.queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, dlqStatsResponse{Enabled: true, Stats: stats})
}

func (n *Notifier) authenticated(r *http.Request) bool {
	secret := n.servers.SharedSecret()
	header := r.Header.Get(secretHeader)
	return secret != "" && subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
