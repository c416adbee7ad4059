package sshexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/telemux/telemux/internal/hub/breaker"
	"github.com/telemux/telemux/internal/hub/config"
	"github.com/telemux/telemux/internal/hub/retry"
	"github.com/telemux/telemux/internal/hub/serverreg"
	"github.com/telemux/telemux/internal/hub/validate"
	"github.com/telemux/telemux/internal/metrics"
)

// ExecError carries the server context of a failed execution alongside
// the original cause.
type ExecError struct {
	ServerID string
	Hostname string
	Code     int // exit code, -1 when unknown
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("execute on server %s", e.ServerID)
	if e.Hostname != "" {
		msg += " (" + e.Hostname + ")"
	}
	if e.Code >= 0 {
		msg += fmt.Sprintf(": exit code %d", e.Code)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }

// Executor routes commands into tmux sessions on configured servers.
// Remote deliveries go through the retry middleware and a per-server
// circuit breaker; one failed delivery counts once against the breaker
// no matter how many attempts the retry loop burned.
type Executor struct {
	servers  *serverreg.Registry
	pool     *Pool
	retrier  *retry.Retrier
	breakers *breaker.Group
	policy   retry.Policy
	timeout  time.Duration

	// runRemote and runLocal execute a single command attempt. Used for
	// dependency injection in tests.
	runRemote func(ctx context.Context, srv config.Server, command string) (string, error)
	runLocal  func(ctx context.Context, name string, args ...string) (string, error)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewExecutor wires an executor over the given pool, retrier, and
// breaker group.
func NewExecutor(cfg config.SSH, servers *serverreg.Registry, pool *Pool, retrier *retry.Retrier, breakers *breaker.Group) *Executor {
	e := &Executor{
		servers:  servers,
		pool:     pool,
		retrier:  retrier,
		breakers: breakers,
		policy:   retry.SSH,
		timeout:  cfg.ExecTimeout,
		runLocal: runLocalCommand,
		locks:    make(map[string]*sync.Mutex),
	}
	e.runRemote = pool.Run
	return e
}

// Execute types command followed by Enter into the named tmux session
// on the server. Deliveries to the same server are serialized;
// different servers proceed independently. Delivery is at-least-once:
// the retry middleware may resend keystrokes that already landed.
func (e *Executor) Execute(ctx context.Context, serverID, command, tmuxSession string) error {
	srv, ok := e.servers.Get(serverID)
	if !ok {
		return &ExecError{ServerID: serverID, Code: -1, Err: errors.New("unknown server")}
	}

	name, err := validate.SanitizeTmuxSession(tmuxSession)
	if err == nil && name == "" {
		err = errors.New("session has no tmux session name")
	}
	if err != nil {
		return &ExecError{ServerID: serverID, Hostname: srv.Hostname, Code: -1, Err: err}
	}

	lock := e.serverLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	slog.Debug("delivering command", "server", serverID, "tmux_session", name)
	if srv.Type == config.TypeLocal {
		return e.executeLocal(ctx, serverID, name, command)
	}
	return e.executeRemote(ctx, srv.Server, name, command)
}

func (e *Executor) executeLocal(ctx context.Context, serverID, tmuxName, command string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.runLocal(ctx, "tmux", "send-keys", "-t", tmuxName, command, "Enter")
	if err != nil {
		metrics.SSHExecutions.WithLabelValues(serverID, "failure").Inc()
		return &ExecError{ServerID: serverID, Code: exitCode(err), Err: commandError(out, err)}
	}
	metrics.SSHExecutions.WithLabelValues(serverID, "success").Inc()
	return nil
}

func (e *Executor) executeRemote(ctx context.Context, srv config.Server, tmuxName, command string) error {
	br := e.breakers.Get(srv.ID)
	if err := br.Allow(); err != nil {
		metrics.SSHExecutions.WithLabelValues(srv.ID, "rejected").Inc()
		return err
	}

	remote := sendKeysCommand(tmuxName, command)
	err := e.retrier.Do(ctx, e.policy, "exec on "+srv.ID, func() error {
		out, runErr := e.runRemote(ctx, srv, remote)
		if runErr != nil {
			return commandError(out, runErr)
		}
		return nil
	})
	if err != nil {
		br.RecordFailure()
		metrics.SSHExecutions.WithLabelValues(srv.ID, "failure").Inc()
		return &ExecError{ServerID: srv.ID, Hostname: srv.Hostname, Code: exitCode(err), Err: err}
	}

	br.RecordSuccess()
	metrics.SSHExecutions.WithLabelValues(srv.ID, "success").Inc()
	return nil
}

// ListTmuxSessions returns the tmux session names alive on the server.
// A host with no tmux server running reports an empty list.
func (e *Executor) ListTmuxSessions(ctx context.Context, serverID string) ([]string, error) {
	srv, ok := e.servers.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("unknown server %q", serverID)
	}

	var out string
	var err error
	if srv.Type == config.TypeLocal {
		localCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		out, err = e.runLocal(localCtx, "tmux", "list-sessions", "-F", "#{session_name}")
	} else {
		br := e.breakers.Get(srv.ID)
		if allowErr := br.Allow(); allowErr != nil {
			return nil, allowErr
		}
		out, err = e.runRemote(ctx, srv.Server, listSessionsCommand)
		// tmux exiting non-zero still means the transport worked.
		if err == nil || noServerRunning(out) {
			br.RecordSuccess()
		} else {
			br.RecordFailure()
		}
	}

	if err != nil {
		if noServerRunning(out) {
			return nil, nil
		}
		return nil, &ExecError{ServerID: serverID, Hostname: srv.Hostname, Code: exitCode(err), Err: commandError(out, err)}
	}
	return parseSessionList(out), nil
}

// KillTmuxSession terminates the named tmux session on the server.
// Killing a session that is already gone succeeds.
func (e *Executor) KillTmuxSession(ctx context.Context, serverID, tmuxSession string) error {
	srv, ok := e.servers.Get(serverID)
	if !ok {
		return fmt.Errorf("unknown server %q", serverID)
	}
	name, err := validate.SanitizeTmuxSession(tmuxSession)
	if err == nil && name == "" {
		err = errors.New("no tmux session name")
	}
	if err != nil {
		return err
	}

	var out string
	if srv.Type == config.TypeLocal {
		localCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		out, err = e.runLocal(localCtx, "tmux", "kill-session", "-t", name)
	} else {
		br := e.breakers.Get(srv.ID)
		if allowErr := br.Allow(); allowErr != nil {
			return allowErr
		}
		out, err = e.runRemote(ctx, srv.Server, killSessionCommand(name))
		if err == nil || sessionMissing(out) {
			br.RecordSuccess()
		} else {
			br.RecordFailure()
		}
	}

	if err != nil {
		if sessionMissing(out) {
			return nil
		}
		return &ExecError{ServerID: serverID, Hostname: srv.Hostname, Code: exitCode(err), Err: commandError(out, err)}
	}
	return nil
}

// Close disposes of all pooled SSH clients.
func (e *Executor) Close() {
	e.pool.Close()
}

func (e *Executor) serverLock(serverID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[serverID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[serverID] = lock
	}
	return lock
}

func runLocalCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// commandError folds captured output into the error so operators see
// what the remote side printed.
func commandError(out string, err error) error {
	out = strings.TrimSpace(out)
	if out == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, out)
}

// exitCode extracts the process exit status when the error carries one.
func exitCode(err error) int {
	var sshExit *ssh.ExitError
	if errors.As(err, &sshExit) {
		return sshExit.ExitStatus()
	}
	var execExit *exec.ExitError
	if errors.As(err, &execExit) {
		return execExit.ExitCode()
	}
	return -1
}
