// Package sshexec delivers commands into tmux sessions on execution
// hosts, over pooled SSH connections for remote servers and directly
// for the local one.
package sshexec

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/telemux/telemux/internal/hub/config"
)

// probeTimeout bounds the health check run against a pooled client
// before reuse.
const probeTimeout = 5 * time.Second

type poolEntry struct {
	client   *ssh.Client
	lastUsed time.Time
}

// Pool keeps at most one SSH client per server. Clients are
// health-checked before reuse and evicted on any failure; the next
// acquisition reconnects.
//
// Callers serialize per server, so acquisition never races for the
// same id.
type Pool struct {
	cfg  config.SSH
	home string

	mu      sync.Mutex
	clients map[string]*poolEntry
}

// NewPool returns an empty pool. Connections are opened lazily on
// first use per server.
func NewPool(cfg config.SSH) *Pool {
	home, _ := os.UserHomeDir()
	return &Pool{
		cfg:     cfg,
		home:    home,
		clients: make(map[string]*poolEntry),
	}
}

// Run executes one command on the server and returns its combined
// output. A failed run evicts the pooled client so the next attempt
// starts from a fresh connection.
func (p *Pool) Run(ctx context.Context, srv config.Server, command string) (string, error) {
	client, err := p.acquire(ctx, srv)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
	defer cancel()

	out, err := runOnClient(runCtx, client, command)
	if err != nil {
		p.Evict(srv.ID)
		return out, err
	}

	p.mu.Lock()
	if entry, ok := p.clients[srv.ID]; ok {
		entry.lastUsed = time.Now()
	}
	p.mu.Unlock()
	return out, nil
}

// acquire returns a healthy client for the server, reconnecting when
// the pooled one fails its probe.
func (p *Pool) acquire(ctx context.Context, srv config.Server) (*ssh.Client, error) {
	p.mu.Lock()
	entry, ok := p.clients[srv.ID]
	p.mu.Unlock()

	if ok {
		err := p.probe(ctx, entry.client)
		if err == nil {
			return entry.client, nil
		}
		slog.Debug("pooled ssh client failed probe, reconnecting", "server", srv.ID, "error", err)
		p.Evict(srv.ID)
	}

	client, err := p.dial(ctx, srv)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.clients[srv.ID] = &poolEntry{client: client, lastUsed: time.Now()}
	p.mu.Unlock()
	return client, nil
}

// probe verifies the connection still works before it is handed out.
func (p *Pool) probe(ctx context.Context, client *ssh.Client) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := runOnClient(ctx, client, "echo ping")
	return err
}

func (p *Pool) dial(ctx context.Context, srv config.Server) (*ssh.Client, error) {
	cc, err := p.clientConfig(srv)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(srv.Hostname, strconv.Itoa(srv.Port))
	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	slog.Info("ssh connection established", "server", srv.ID, "addr", addr)
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (p *Pool) clientConfig(srv config.Server) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(srv.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", srv.KeyPath, err)
	}

	hostKeys, err := p.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            srv.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         p.cfg.ConnectTimeout,
	}, nil
}

// hostKeyCallback verifies hosts against the configured known_hosts
// file, falling back to the user's default one. Without either,
// verification is skipped, which keeps first-contact setups working
// but is logged loudly.
func (p *Pool) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := p.cfg.KnownHostsFile
	if path == "" && p.home != "" {
		candidate := filepath.Join(p.home, ".ssh", "known_hosts")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		slog.Warn("no known_hosts file found, skipping host key verification")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return callback, nil
}

// Evict drops the pooled client for a server, closing it.
func (p *Pool) Evict(serverID string) {
	p.mu.Lock()
	entry, ok := p.clients[serverID]
	delete(p.clients, serverID)
	p.mu.Unlock()

	if ok {
		_ = entry.client.Close()
	}
}

// Close disposes of all pooled clients concurrently and clears the
// pool.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*poolEntry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, entry := range clients {
		wg.Add(1)
		go func(id string, client *ssh.Client) {
			defer wg.Done()
			if err := client.Close(); err != nil {
				slog.Debug("closing ssh client", "server", id, "error", err)
			}
		}(id, entry.client)
	}
	wg.Wait()
}

// runOnClient runs one command in a fresh session, honouring ctx by
// tearing the session down on cancellation.
func runOnClient(ctx context.Context, client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return string(r.out), r.err
	}
}
