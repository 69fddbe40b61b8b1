package executor

import (
	"context"
	"sync"
	"time"
)

// ReplayGuard is the in-process domain.ReplayGuard used by the memory
// backend. It is safe for concurrent use.
type ReplayGuard struct {
	seen map[string]time.Time // key -> expiry
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewReplayGuard creates a guard remembering each key for ttl.
func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// WithClock replaces the guard's clock.
func (g *ReplayGuard) WithClock(now func() time.Time) *ReplayGuard {
	g.now = now
	return g
}

// Claim records key and returns true on first use; a live key returns false.
func (g *ReplayGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[key] = now.Add(g.ttl)
	return true, nil
}

// Cleanup drops expired keys. Call it periodically.
func (g *ReplayGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
}

// Len returns the number of tracked keys.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
