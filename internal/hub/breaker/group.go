package breaker

import (
	"sort"
	"sync"
)

// Group holds one breaker per server, created lazily on first use so
// servers registered at runtime get a breaker without extra plumbing.
type Group struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty group whose breakers all share cfg.
func NewGroup(cfg Config) *Group {
	return &Group{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for serverID, creating it if needed.
func (g *Group) Get(serverID string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[serverID]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[serverID]; ok {
		return b
	}
	b = New(serverID, g.cfg)
	g.breakers[serverID] = b
	return b
}

// Stats returns snapshots for every breaker, ordered by server ID.
func (g *Group) Stats() []Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Stats, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}
