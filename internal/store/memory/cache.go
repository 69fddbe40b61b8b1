package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// LockManager implements domain.LockManager within one process.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lease
	clock func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease), clock: time.Now}
}

// Acquire takes key for ttl, failing with ErrLockHeld while another holder's
// lease is live. The returned unlock only releases the caller's own lease.
func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	token := uuid.NewString()
	l.held[key] = lease{token: token, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}, nil
}

// PriceCache implements domain.PriceCache in memory.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
}

type cachedPrice struct {
	value decimal.Decimal
	ts    time.Time
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]cachedPrice)}
}

func (c *PriceCache) SetPrice(_ context.Context, assetID string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[assetID] = cachedPrice{value: price, ts: ts}
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, assetID string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[assetID]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("memory: price %s: %w", assetID, domain.ErrNotFound)
	}
	return p.value, p.ts, nil
}

func (c *PriceCache) GetPrices(_ context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(assetIDs))
	for _, id := range assetIDs {
		if p, ok := c.prices[id]; ok {
			out[id] = p.value
		}
	}
	return out, nil
}

// RateLimiter implements domain.RateLimiter with a fixed window per key.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	clock   func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]window), clock: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	w := r.windows[key]
	if now.Sub(w.start) >= win {
		w = window{start: now}
	}
	if w.count >= limit {
		r.windows[key] = w
		return false, nil
	}
	w.count++
	r.windows[key] = w
	return true, nil
}
