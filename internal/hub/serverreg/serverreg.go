// Package serverreg is the in-memory registry of execution hosts. It
// is loaded once from configuration; only the liveness fields mutate at
// runtime.
package serverreg

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/telemux/telemux/internal/hub/config"
	"github.com/telemux/telemux/internal/hub/validate"
)

// Liveness statuses.
const (
	StatusUnknown = "unknown"
	StatusActive  = "active"
)

// Server is one execution host plus its runtime liveness.
type Server struct {
	config.Server
	Status   string
	LastSeen time.Time
}

// Registry maps server IDs to hosts. Safe for concurrent use.
type Registry struct {
	sharedSecret string

	mu      sync.RWMutex
	servers map[string]*Server
}

// New builds the registry from validated configuration.
func New(cfg *config.Config) *Registry {
	servers := make(map[string]*Server, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers[s.ID] = &Server{Server: s, Status: StatusUnknown}
	}
	return &Registry{
		sharedSecret: cfg.Hub.SharedSecret,
		servers:      servers,
	}
}

// Get returns a snapshot of one server.
func (r *Registry) Get(serverID string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[serverID]
	if !ok {
		return Server{}, false
	}
	return *s, true
}

// Has reports whether serverID is registered.
func (r *Registry) Has(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[serverID]
	return ok
}

// All returns snapshots of every server, ordered by ID.
func (r *Registry) All() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByType returns snapshots of the servers with the given type, ordered
// by ID.
func (r *Registry) ByType(serverType string) []Server {
	all := r.All()
	out := all[:0]
	for _, s := range all {
		if s.Type == serverType {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of registered servers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// UpdateStatus records a liveness observation for serverID.
func (r *Registry) UpdateStatus(serverID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[serverID]
	if !ok {
		return fmt.Errorf("unknown server %q", serverID)
	}
	s.Status = status
	s.LastSeen = time.Now()
	return nil
}

// SharedSecret returns the secret agents must present on /notify.
func (r *Registry) SharedSecret() string {
	return r.sharedSecret
}

// Register adds a server at runtime, replacing any existing entry with
// the same ID. Exists for tests and late binding; configuration remains
// the normal source.
func (r *Registry) Register(s config.Server) error {
	id, err := validate.SanitizeServerID(s.ID)
	if err != nil {
		return err
	}
	s.ID = id

	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[id] = &Server{Server: s, Status: StatusUnknown}
	return nil
}
