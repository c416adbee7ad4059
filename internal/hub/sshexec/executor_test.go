package sshexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemux/telemux/internal/hub/breaker"
	"github.com/telemux/telemux/internal/hub/config"
	"github.com/telemux/telemux/internal/hub/retry"
	"github.com/telemux/telemux/internal/hub/serverreg"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()

	cfg := &config.Config{
		Hub: config.Hub{SharedSecret: "s3cret"},
		Servers: []config.Server{
			{ID: "kr4", Type: config.TypeRemote, Hostname: "kr4.example.net", User: "ubuntu", Port: 22, KeyPath: "/tmp/id_ed25519"},
			{ID: "aws1", Type: config.TypeRemote, Hostname: "aws1.example.net", User: "ubuntu", Port: 22, KeyPath: "/tmp/id_ed25519"},
			{ID: "mba", Type: config.TypeLocal},
		},
	}
	sshCfg := config.SSH{ConnectTimeout: time.Second, ExecTimeout: time.Second}

	ex := NewExecutor(sshCfg, serverreg.New(cfg), NewPool(sshCfg), retry.New(), breaker.NewGroup(breaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          40 * time.Millisecond,
	}))
	// Short intervals so exhausting attempts stays fast.
	ex.policy = retry.Policy{
		Name:            "ssh",
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     40 * time.Millisecond,
		Multiplier:      2.0,
	}
	return ex
}

func refused() error {
	return fmt.Errorf("dial tcp 203.0.113.4:22: %w", syscall.ECONNREFUSED)
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	ex := testExecutor(t)

	var mu sync.Mutex
	var calls int
	var commands []string
	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		commands = append(commands, command)
		if calls <= 2 {
			return "", refused()
		}
		return "", nil
	}

	start := time.Now()
	err := ex.Execute(context.Background(), "kr4", "pwd", "tmux1")
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	// Two backoff sleeps at 10ms and 20ms with no jitter.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, breaker.Closed, ex.breakers.Get("kr4").State())
	assert.Equal(t, `tmux send-keys -t 'tmux1' 'pwd' Enter`, commands[0])
}

func TestExecute_BreakerTripsAfterRepeatedFailures(t *testing.T) {
	ex := testExecutor(t)

	var mu sync.Mutex
	var calls int
	healthy := false
	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if !healthy {
			return "", refused()
		}
		return "", nil
	}

	// Five deliveries each exhaust their attempts and count one breaker
	// failure apiece.
	for i := 0; i < 5; i++ {
		err := ex.Execute(context.Background(), "kr4", "pwd", "tmux1")
		require.Error(t, err)
		var execErr *ExecError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "kr4", execErr.ServerID)
	}
	mu.Lock()
	assert.Equal(t, 25, calls)
	mu.Unlock()
	assert.Equal(t, breaker.Open, ex.breakers.Get("kr4").State())

	// The sixth is rejected without touching the transport.
	err := ex.Execute(context.Background(), "kr4", "pwd", "tmux1")
	var openErr *breaker.OpenError
	require.ErrorAs(t, err, &openErr)
	mu.Lock()
	assert.Equal(t, 25, calls)
	healthy = true
	mu.Unlock()

	// After the cooldown a probe goes through and recovery begins.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ex.Execute(context.Background(), "kr4", "pwd", "tmux1"))
	assert.Equal(t, breaker.HalfOpen, ex.breakers.Get("kr4").State())
	require.NoError(t, ex.Execute(context.Background(), "kr4", "pwd", "tmux1"))
	assert.Equal(t, breaker.Closed, ex.breakers.Get("kr4").State())
}

func TestExecute_LocalRunsTmuxDirectly(t *testing.T) {
	ex := testExecutor(t)

	var gotName string
	var gotArgs []string
	ex.runLocal = func(ctx context.Context, name string, args ...string) (string, error) {
		gotName = name
		gotArgs = args
		return "", nil
	}
	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		t.Fatal("local delivery must not use ssh")
		return "", nil
	}

	require.NoError(t, ex.Execute(context.Background(), "mba", "ls -la", "tmux1"))

	assert.Equal(t, "tmux", gotName)
	// Argv form: the command travels as one argument, unquoted.
	assert.Equal(t, []string{"send-keys", "-t", "tmux1", "ls -la", "Enter"}, gotArgs)
}

func TestExecute_UnknownServer(t *testing.T) {
	ex := testExecutor(t)

	err := ex.Execute(context.Background(), "ghost", "pwd", "tmux1")
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "ghost", execErr.ServerID)
	assert.Equal(t, -1, execErr.Code)
	assert.Contains(t, err.Error(), "unknown server")
}

func TestExecute_RejectsEmptyTmuxSession(t *testing.T) {
	ex := testExecutor(t)
	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		t.Fatal("must not execute without a tmux session")
		return "", nil
	}

	err := ex.Execute(context.Background(), "kr4", "pwd", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tmux session")
}

func TestExecute_QuotesEmbeddedSingleQuotes(t *testing.T) {
	ex := testExecutor(t)

	var got string
	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		got = command
		return "", nil
	}

	require.NoError(t, ex.Execute(context.Background(), "kr4", "echo 'hi'", "tmux1"))
	assert.Equal(t, `tmux send-keys -t 'tmux1' 'echo '\''hi'\''' Enter`, got)
}

func TestExecute_SerializesPerServer(t *testing.T) {
	ex := testExecutor(t)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return "", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ex.Execute(context.Background(), "kr4", "pwd", "tmux1"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
}

func TestListTmuxSessions(t *testing.T) {
	ex := testExecutor(t)

	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		assert.Equal(t, listSessionsCommand, command)
		return "tmux1\nbuild\n", nil
	}

	sessions, err := ex.ListTmuxSessions(context.Background(), "kr4")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmux1", "build"}, sessions)
	assert.Equal(t, breaker.Closed, ex.breakers.Get("kr4").State())
}

func TestListTmuxSessions_NoServerRunningMeansEmpty(t *testing.T) {
	ex := testExecutor(t)

	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		return "no server running on /tmp/tmux-1000/default\n", errors.New("Process exited with status 1")
	}

	sessions, err := ex.ListTmuxSessions(context.Background(), "kr4")
	require.NoError(t, err)
	assert.Empty(t, sessions)
	// The transport worked, so the breaker saw a success.
	stats := ex.breakers.Get("kr4").Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, int64(1), stats.TotalOperations)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestKillTmuxSession_MissingSessionSucceeds(t *testing.T) {
	ex := testExecutor(t)

	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		return "can't find session: tmux9\n", errors.New("Process exited with status 1")
	}

	assert.NoError(t, ex.KillTmuxSession(context.Background(), "kr4", "tmux9"))
}

func TestKillTmuxSession_TransportFailure(t *testing.T) {
	ex := testExecutor(t)

	ex.runRemote = func(ctx context.Context, srv config.Server, command string) (string, error) {
		return "", refused()
	}

	err := ex.KillTmuxSession(context.Background(), "kr4", "tmux1")
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
}
