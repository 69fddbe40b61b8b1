package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per asset at
// "price:{asset}" holding the exact decimal price and the publish time in
// unix seconds.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A positive ttl expires prices the
// feeder stops refreshing.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) priceKey(assetID string) string {
	return pc.c.key("price", assetID)
}

// SetPrice stores the latest price for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, assetID string, price decimal.Decimal, ts time.Time) error {
	key := pc.priceKey(assetID)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, encodePrice(price, ts))
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", assetID, err)
	}
	return nil
}

// GetPrice returns the latest price and its publish time, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.priceKey(assetID)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	price, ts, err := decodePrice(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: price %s: %w", assetID, err)
	}
	return price, ts, nil
}

// GetPrices reads several assets in one pipeline. Missing or malformed
// entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	if len(assetIDs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assetIDs))
	for _, id := range assetIDs {
		cmds[id] = pipe.HGetAll(ctx, pc.priceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(assetIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, err := decodePrice(vals); err == nil {
			out[id] = price
		}
	}
	return out, nil
}

func encodePrice(price decimal.Decimal, ts time.Time) map[string]any {
	return map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.Unix(), 10),
	}
}

func decodePrice(vals map[string]string) (decimal.Decimal, time.Time, error) {
	ps, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	tss, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(ps)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse price %q: %w", ps, err)
	}
	sec, err := strconv.ParseInt(tss, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse ts %q: %w", tss, err)
	}
	return price, time.Unix(sec, 0).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
