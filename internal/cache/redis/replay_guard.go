package redis

import (
	"context"
	"fmt"
	"time"
)

// ReplayGuard implements domain.ReplayGuard with SET NX PX, so a signed
// liquidation nonce is single-use across every process sharing the Redis
// namespace. Keys expire after ttl.
type ReplayGuard struct {
	c   *Client
	ttl time.Duration
}

// NewReplayGuard creates a ReplayGuard backed by the given Client.
func NewReplayGuard(c *Client, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{c: c, ttl: ttl}
}

// Claim records key and returns true on first use. A key still live in Redis
// returns false.
func (g *ReplayGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.c.rdb.SetNX(ctx, g.c.key("replay", key), 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim replay key %s: %w", key, err)
	}
	return ok, nil
}
