// Package cmdrouter turns inbound chat updates into tmux commands. It
// parses the /cmd grammar, resolves the addressed session, delegates to
// the SSH executor, and replies with a confirmation or a compact error.
package cmdrouter

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/telemux/telemux/internal/hub/breaker"
	"github.com/telemux/telemux/internal/hub/chat"
	"github.com/telemux/telemux/internal/hub/sessionreg"
	"github.com/telemux/telemux/internal/hub/sshexec"
	"github.com/telemux/telemux/internal/metrics"
	"github.com/telemux/telemux/internal/util/sanitize"
)

var (
	cmdRe        = regexp.MustCompile(`(?s)^/cmd\s+(\S+)\s+(.+)$`)
	identifierRe = regexp.MustCompile(`^[a-z0-9]+:\d+$`)
	tokenRe      = regexp.MustCompile(`^[A-Z0-9]{8}$`)
	callbackRe   = regexp.MustCompile(`^(personal|group|session):(\d+)$`)
)

// Replies render in HTML mode, so literal angle brackets are entities.
const (
	usageText = "Usage: <code>/cmd &lt;identifier&gt; &lt;command&gt;</code>\n" +
		"The identifier is <code>serverId:number</code> (e.g. <code>kr4:1</code>) " +
		"or the 8-character session token from the notification."

	startText = "TeleMux routes commands from this chat into tmux sessions " +
		"on your servers.\nWhen an agent finishes a task you receive a " +
		"notification with a session identifier; answer it with\n" +
		"<code>/cmd &lt;identifier&gt; &lt;command&gt;</code>\nSend /help for details."

	helpText = "<b>TeleMux commands</b>\n" +
		"<code>/cmd &lt;identifier&gt; &lt;command&gt;</code> types a command " +
		"into the session's tmux window\n" +
		"<code>/start</code>, <code>/help</code> show this text\n\n" +
		"Identifiers arrive with each notification: " +
		"<code>serverId:number</code> (e.g. <code>kr4:1</code>) or the " +
		"8-character token."
)

// maxEchoLen caps how much of a command or error is echoed back to the
// chat.
const maxEchoLen = 256

// Router dispatches chat updates. Only chats and users on the allow
// list may issue commands; everyone else is dropped with a log line.
type Router struct {
	sessions *sessionreg.Registry
	sender   chat.Sender
	secret   string
	allowed  map[int64]struct{}

	// Used for dependency injection in tests.
	execute func(ctx context.Context, serverID, command, tmuxSession string) error
}

// New builds a router. When allowedIDs is empty the single configured
// chat is the allow list.
func New(sessions *sessionreg.Registry, executor *sshexec.Executor, sender chat.Sender, webhookSecret string, chatID int64, allowedIDs []int64) *Router {
	allowed := make(map[int64]struct{}, len(allowedIDs)+1)
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if len(allowed) == 0 && chatID != 0 {
		allowed[chatID] = struct{}{}
	}
	return &Router{
		sessions: sessions,
		sender:   sender,
		secret:   webhookSecret,
		allowed:  allowed,
		execute:  executor.Execute,
	}
}

// HandleWebhook terminates the chat provider's webhook. Updates are
// processed before the 200 goes out; send-keys returns immediately on
// the happy path, so the handler stays well inside the provider's
// delivery timeout.
func (r *Router) HandleWebhook(w http.ResponseWriter, req *http.Request) {
	update, err := chat.ParseUpdate(req, r.secret)
	if err != nil {
		if errors.Is(err, chat.ErrBadSecret) {
			slog.Warn("webhook rejected", "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		slog.Warn("webhook parse failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if update != nil {
		r.HandleUpdate(req.Context(), update)
	}
	w.WriteHeader(http.StatusOK)
}

// HandleUpdate routes one inbound update.
func (r *Router) HandleUpdate(ctx context.Context, u *chat.Update) {
	if !r.authorized(u) {
		slog.Warn("update from unauthorized chat", "chat_id", u.ChatID, "user_id", u.UserID)
		metrics.CommandsTotal.WithLabelValues("unauthorized").Inc()
		return
	}
	if u.Callback != nil {
		r.handleCallback(ctx, u)
		return
	}
	r.handleMessage(ctx, u)
}

func (r *Router) authorized(u *chat.Update) bool {
	if _, ok := r.allowed[u.ChatID]; ok {
		return true
	}
	_, ok := r.allowed[u.UserID]
	return ok
}

func (r *Router) handleMessage(ctx context.Context, u *chat.Update) {
	text := strings.TrimSpace(u.Text)
	switch {
	case text == "/start":
		r.reply(ctx, u.ChatID, startText)
	case text == "/help":
		r.reply(ctx, u.ChatID, helpText)
	case strings.HasPrefix(text, "/cmd"):
		r.handleCommand(ctx, u, text)
	default:
		r.reply(ctx, u.ChatID, usageText)
	}
}

func (r *Router) handleCommand(ctx context.Context, u *chat.Update, text string) {
	m := cmdRe.FindStringSubmatch(text)
	if m == nil {
		metrics.CommandsTotal.WithLabelValues("rejected").Inc()
		r.reply(ctx, u.ChatID, usageText)
		return
	}
	identifier, command := m[1], strings.TrimSpace(m[2])
	if !identifierRe.MatchString(identifier) && !tokenRe.MatchString(identifier) {
		metrics.CommandsTotal.WithLabelValues("rejected").Inc()
		r.reply(ctx, u.ChatID, usageText)
		return
	}

	sess, err := r.sessions.FindSession(ctx, identifier)
	if err != nil {
		slog.Error("session lookup failed", "identifier", identifier, "error", err)
		metrics.CommandsTotal.WithLabelValues("failed").Inc()
		r.reply(ctx, u.ChatID, "Session lookup failed, try again shortly.")
		return
	}
	if sess == nil {
		metrics.CommandsTotal.WithLabelValues("rejected").Inc()
		r.reply(ctx, u.ChatID, fmt.Sprintf(
			"Invalid or expired session <code>%s</code>. Identifiers are valid for 24h after the last notification.",
			html.EscapeString(identifier)))
		return
	}

	slog.Info("routing command",
		"identifier", sess.Identifier(),
		"server_id", sess.ServerID,
		"tmux_session", sess.Metadata.TmuxSession,
	)
	if err := r.execute(ctx, sess.ServerID, command, sess.Metadata.TmuxSession); err != nil {
		slog.Error("command execution failed",
			"identifier", sess.Identifier(),
			"server_id", sess.ServerID,
			"error", err,
		)
		metrics.CommandsTotal.WithLabelValues("failed").Inc()
		r.reply(ctx, u.ChatID, errorReply(sess.ServerID, err))
		return
	}

	metrics.CommandsTotal.WithLabelValues("success").Inc()
	r.reply(ctx, u.ChatID, fmt.Sprintf(
		"Sent to <b>%s</b> session <code>%s</code> (tmux %s)\n<code>$ %s</code>",
		strings.ToUpper(sess.ServerID),
		sess.Identifier(),
		sess.Metadata.TmuxSession,
		html.EscapeString(sanitize.Excerpt(command, maxEchoLen)),
	))
}

// handleCallback answers an inline button press with the command
// template for that session number. personal/group mirror the chat the
// button was posted in; session is the legacy form.
func (r *Router) handleCallback(ctx context.Context, u *chat.Update) {
	if err := r.sender.AnswerCallback(ctx, u.Callback.ID); err != nil {
		slog.Debug("answer callback failed", "error", err)
	}

	m := callbackRe.FindStringSubmatch(u.Callback.Data)
	if m == nil {
		slog.Warn("unknown callback payload", "data", u.Callback.Data)
		return
	}
	number, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return
	}

	if sess := r.sessionByNumber(ctx, number); sess != nil {
		r.reply(ctx, u.ChatID, fmt.Sprintf(
			"Reply with:\n<code>/cmd %s &lt;command&gt;</code>", sess.Identifier()))
		return
	}
	r.reply(ctx, u.ChatID,
		"Session is gone. Reply with:\n<code>/cmd &lt;serverId:number&gt; &lt;command&gt;</code>")
}

// sessionByNumber resolves a bare button number to the newest active
// session carrying it. Numbers are per server, so after a collision
// across servers the most recent wins.
func (r *Router) sessionByNumber(ctx context.Context, number int64) *sessionreg.Session {
	sessions, err := r.sessions.GetAllSessions(ctx)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		return nil
	}
	for _, sess := range sessions {
		if sess.ServerNumber == number {
			return sess
		}
	}
	return nil
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	err := r.sender.Send(ctx, chat.Notification{ChatID: chatID, Text: text})
	if err != nil {
		slog.Error("send reply failed", "chat_id", chatID, "error", err)
	}
}

// errorReply maps an execution failure to a short actionable chat
// message.
func errorReply(serverID string, err error) string {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return fmt.Sprintf("Server %s is unavailable (circuit open). Retry in %s.",
			serverID, open.RetryAfter.Round(time.Second))
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Sprintf("Unable to connect to server %s (connection refused).", serverID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("Command timed out on server %s.", serverID)
	}
	var execErr *sshexec.ExecError
	if errors.As(err, &execErr) && execErr.Code > 0 {
		return fmt.Sprintf("Command failed on %s (exit code %d): %s",
			serverID, execErr.Code,
			html.EscapeString(sanitize.Excerpt(execErr.Err.Error(), maxEchoLen)))
	}
	return fmt.Sprintf("Command failed on %s: %s",
		serverID, html.EscapeString(sanitize.Excerpt(err.Error(), maxEchoLen)))
}
