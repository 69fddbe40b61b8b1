package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest oracle prices.
type PriceCache interface {
	SetPrice(ctx context.Context, assetID string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, assetID string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error)
}

// Oracle supplies a recent price for an asset, failing with ErrStalePrice
// when none is newer than maxStaleness.
type Oracle interface {
	GetPrice(ctx context.Context, assetID string, maxStaleness time.Duration) (Price, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
// ReplayGuard remembers single-use keys, such as a liquidator's signed
// nonce, for a time-to-live. Claim reports false while key is still live.
type ReplayGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
}

type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Signal bus channel and stream names.
const (
	ChannelLiquidations = "liquidations"
	ChannelPrices       = "prices"
	StreamLiquidations  = "stream:liquidations"
)
