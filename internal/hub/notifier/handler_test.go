package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemux/telemux/internal/hub/chat"
	"github.com/telemux/telemux/internal/hub/config"
	"github.com/telemux/telemux/internal/hub/dlq"
	"github.com/telemux/telemux/internal/hub/retry"
	"github.com/telemux/telemux/internal/hub/serverreg"
	"github.com/telemux/telemux/internal/hub/sessionreg"
)

var tokenRe = regexp.MustCompile(`^[A-Z0-9]{8}$`)

type fakeSender struct {
	mu   sync.Mutex
	sent []chat.Notification
	fail bool
}

func (f *fakeSender) Send(ctx context.Context, n chat.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("telegram: bad gateway")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSender) AnswerCallback(ctx context.Context, callbackID string) error { return nil }

func (f *fakeSender) messages() []chat.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Notification(nil), f.sent...)
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func fastPolicy(name string) retry.Policy {
	return retry.Policy{
		Name:            name,
		MaxAttempts:     3,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func testNotifier(t *testing.T, sender chat.Sender) (*Notifier, *sessionreg.Registry, *dlq.Queue) {
	t.Helper()

	dir := t.TempDir()
	sessions, err := sessionreg.Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	queue, err := dlq.Open(filepath.Join(dir, "dlq.db"), dlq.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	cfg := &config.Config{
		Hub: config.Hub{SharedSecret: "s3cret"},
		Servers: []config.Server{
			{ID: "kr4", Type: config.TypeRemote, Hostname: "kr4.example.net", User: "ubuntu", Port: 22, KeyPath: "/tmp/key"},
			{ID: "mba", Type: config.TypeLocal},
		},
	}

	n := New(serverreg.New(cfg), sessions, sender, retry.New(), queue, 42)
	n.dbPolicy = fastPolicy("database")
	n.chatPolicy = fastPolicy("telegram")
	return n, sessions, queue
}

func postNotify(n *Notifier, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/notify", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	rec := httptest.NewRecorder()
	n.HandleNotify(rec, req)
	return rec
}

const happyBody = `{
	"serverId": "kr4",
	"type": "completed",
	"project": "demo",
	"metadata": {"userQuestion": "?", "claudeResponse": "done", "tmuxSession": "tmux1"}
}`

func TestHandleNotify_HappyPath(t *testing.T) {
	sender := &fakeSender{}
	n, _, _ := testNotifier(t, sender)

	rec := postNotify(n, "s3cret", happyBody)
	require.Equal(t, 200, rec.Code)

	var resp notifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "kr4:1", resp.Session.Identifier)
	assert.Regexp(t, tokenRe, resp.Session.Token)
	assert.NotEmpty(t, resp.Session.ID)

	sent := sender.messages()
	require.Len(t, sent, 1)
	for _, want := range []string{"KR4", "kr4:1", "demo", "?", "done", "/cmd kr4:1"} {
		assert.Contains(t, sent[0].Text, want)
	}
	require.Len(t, sent[0].Buttons, 1)
	assert.Equal(t, "Reply to kr4:1", sent[0].Buttons[0].Label)
	assert.Equal(t, "personal:1", sent[0].Buttons[0].Data)
}

func TestHandleNotify_Unauthorized(t *testing.T) {
	sender := &fakeSender{}
	n, _, _ := testNotifier(t, sender)

	rec := postNotify(n, "wrong", happyBody)
	assert.Equal(t, 401, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unauthorized")

	rec = postNotify(n, "", happyBody)
	assert.Equal(t, 401, rec.Code)

	assert.Empty(t, sender.messages())
}

func TestHandleNotify_InvalidJSON(t *testing.T) {
	n, _, _ := testNotifier(t, &fakeSender{})

	rec := postNotify(n, "s3cret", "{not json")
	assert.Equal(t, 400, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON body")
}

func TestHandleNotify_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing server id",
			body:    `{"type":"completed","project":"demo","metadata":{}}`,
			wantErr: "serverId is required",
		},
		{
			name:    "missing type",
			body:    `{"serverId":"kr4","project":"demo","metadata":{}}`,
			wantErr: "type is required",
		},
		{
			name:    "bad type",
			body:    `{"serverId":"kr4","type":"exploded","project":"demo","metadata":{}}`,
			wantErr: "type must be",
		},
		{
			name:    "missing project",
			body:    `{"serverId":"kr4","type":"completed","metadata":{}}`,
			wantErr: "project is required",
		},
		{
			name:    "unknown server",
			body:    `{"serverId":"ghost","type":"completed","project":"demo","metadata":{}}`,
			wantErr: `unknown server "ghost"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _, _ := testNotifier(t, &fakeSender{})
			rec := postNotify(n, "s3cret", tt.body)
			assert.Equal(t, 400, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantErr)
		})
	}
}

func TestHandleNotify_SecondReportUpdatesSession(t *testing.T) {
	sender := &fakeSender{}
	n, sessions, _ := testNotifier(t, sender)

	rec := postNotify(n, "s3cret", happyBody)
	require.Equal(t, 200, rec.Code)

	second := strings.Replace(happyBody, `"project": "demo"`, `"project": "demo-v2"`, 1)
	rec = postNotify(n, "s3cret", second)
	require.Equal(t, 200, rec.Code)

	var resp notifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "kr4:1", resp.Session.Identifier, "same tmux must not allocate a new number")

	list, err := sessions.GetServerSessions(context.Background(), "kr4")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].ServerNumber)
	assert.Equal(t, "demo-v2", list[0].Project)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), list[0].ExpiresAt, time.Minute)

	assert.Len(t, sender.messages(), 2)
}

func TestHandleNotify_DeadLettersFailedDispatch(t *testing.T) {
	sender := &fakeSender{fail: true}
	n, _, queue := testNotifier(t, sender)

	rec := postNotify(n, "s3cret", happyBody)
	assert.Equal(t, 500, rec.Code)
	assert.Contains(t, rec.Body.String(), "delivery failed")

	stats, err := queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.ByType[dlqTypeNotification])

	msgs, err := queue.DequeuePending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, dlqTypeNotification, msgs[0].Type)
	assert.Equal(t, 0, msgs[0].AttemptCount)
	assert.NotEmpty(t, msgs[0].LastError)
}

func TestRedeliver_RoundTrip(t *testing.T) {
	sender := &fakeSender{fail: true}
	n, _, queue := testNotifier(t, sender)

	rec := postNotify(n, "s3cret", happyBody)
	require.Equal(t, 500, rec.Code)

	// Chat channel comes back; the retry loop drains the queue.
	sender.setFail(false)
	loop := dlq.NewRetrier(queue, n.Redeliver, 50*time.Millisecond, 10)
	redelivered, failed := loop.ProcessOnce(context.Background())
	assert.Equal(t, 1, redelivered)
	assert.Zero(t, failed)

	stats, err := queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "kr4:1")
}

func TestRedeliver_UnknownType(t *testing.T) {
	n, _, _ := testNotifier(t, &fakeSender{})

	err := n.Redeliver(context.Background(), dlq.Message{Type: "mystery", Payload: []byte("{}")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dead letter type")
}

func TestHandleNotify_SplitsLongMessages(t *testing.T) {
	sender := &fakeSender{}
	n, _, _ := testNotifier(t, sender)

	long := strings.Repeat("0123456789\n", 536) // just under the answer cap
	body := fmt.Sprintf(`{
		"serverId": "kr4", "type": "completed", "project": "demo",
		"metadata": {"claudeResponse": %q, "tmuxSession": "tmux1"}
	}`, long)

	rec := postNotify(n, "s3cret", body)
	require.Equal(t, 200, rec.Code)

	sent := sender.messages()
	require.Len(t, sent, 2)
	assert.True(t, strings.HasPrefix(sent[0].Text, "Part 1/2\n"))
	assert.True(t, strings.HasPrefix(sent[1].Text, "Part 2/2\n"))
	for _, msg := range sent {
		assert.LessOrEqual(t, len(msg.Text), chat.MaxMessageLen)
	}
	// Buttons ride on the final part only.
	assert.Empty(t, sent[0].Buttons)
	require.Len(t, sent[1].Buttons, 1)
}

func TestHandleHealth(t *testing.T) {
	n, _, _ := testNotifier(t, &fakeSender{})
	require.Equal(t, 200, postNotify(n, "s3cret", happyBody).Code)

	rec := httptest.NewRecorder()
	n.HandleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Servers)
	assert.Equal(t, int64(1), resp.ActiveSessions)
}

func TestHandleSessions(t *testing.T) {
	n, _, _ := testNotifier(t, &fakeSender{})

	rec := httptest.NewRecorder()
	n.HandleSessions(rec, httptest.NewRequest("GET", "/sessions", nil))
	require.Equal(t, 200, rec.Code)
	// An empty listing is an empty array, not null.
	assert.Contains(t, rec.Body.String(), `"sessions":[]`)

	require.Equal(t, 200, postNotify(n, "s3cret", happyBody).Code)

	rec = httptest.NewRecorder()
	n.HandleSessions(rec, httptest.NewRequest("GET", "/sessions", nil))
	var resp sessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "kr4", resp.Sessions[0].ServerID)
}

func TestHandleDLQStats(t *testing.T) {
	sender := &fakeSender{fail: true}
	n, _, _ := testNotifier(t, sender)
	require.Equal(t, 500, postNotify(n, "s3cret", happyBody).Code)

	rec := httptest.NewRecorder()
	n.HandleDLQStats(rec, httptest.NewRequest("GET", "/dlq/stats", nil))
	require.Equal(t, 200, rec.Code)

	var resp struct {
		Enabled       bool             `json:"enabled"`
		TotalMessages int64            `json:"totalMessages"`
		ByType        map[string]int64 `json:"byType"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	assert.Equal(t, int64(1), resp.TotalMessages)
	assert.Equal(t, int64(1), resp.ByType[dlqTypeNotification])
}

func TestHandleDLQStats_Disabled(t *testing.T) {
	n, _, _ := testNotifier(t, &fakeSender{})
	n.queue = nil

	rec := httptest.NewRecorder()
	n.HandleDLQStats(rec, httptest.NewRequest("GET", "/dlq/stats", nil))
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"enabled": false}`, rec.Body.String())
}
