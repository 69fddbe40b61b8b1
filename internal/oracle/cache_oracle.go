// Package oracle adapts the shared price cache to the engine's Oracle
// interface.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

// AgeObserver receives the age of every price served. Metrics implement it.
type AgeObserver interface {
	ObservePriceAge(assetID string, age time.Duration)
}

// CacheOracle serves prices the feeder wrote to a domain.PriceCache.
type CacheOracle struct {
	cache    domain.PriceCache
	now      func() time.Time
	observer AgeObserver
}

// NewCacheOracle creates a CacheOracle on the wall clock.
func NewCacheOracle(cache domain.PriceCache) *CacheOracle {
	return &CacheOracle{cache: cache, now: time.Now}
}

// WithClock replaces the oracle clock.
func (o *CacheOracle) WithClock(now func() time.Time) *CacheOracle {
	o.now = now
	return o
}

// WithObserver reports price ages to obs.
func (o *CacheOracle) WithObserver(obs AgeObserver) *CacheOracle {
	o.observer = obs
	return o
}

// GetPrice returns the cached price of assetID in WAD. A missing price and a
// price older than maxStaleness both fail with domain.ErrStalePrice. Prices
// stamped in the future count as fresh.
func (o *CacheOracle) GetPrice(ctx context.Context, assetID string, maxStaleness time.Duration) (domain.Price, error) {
	d, ts, err := o.cache.GetPrice(ctx, assetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Price{}, fmt.Errorf("oracle: no price for %s: %w", assetID, domain.ErrStalePrice)
		}
		return domain.Price{}, fmt.Errorf("oracle: read price %s: %w", assetID, err)
	}

	age := o.now().Sub(ts)
	if age < 0 {
		age = 0
	}
	if o.observer != nil {
		o.observer.ObservePriceAge(assetID, age)
	}
	if maxStaleness > 0 && age > maxStaleness {
		return domain.Price{}, fmt.Errorf("oracle: %s price is %s old, limit %s: %w",
			assetID, age.Truncate(time.Second), maxStaleness, domain.ErrStalePrice)
	}

	// Finer than WAD precision is truncated toward zero.
	v, err := wad.FromDecimal(d.Truncate(wad.Decimals), wad.Decimals)
	if err != nil {
		return domain.Price{}, fmt.Errorf("oracle: convert %s price %s: %w", assetID, d.String(), err)
	}
	if v.IsZero() {
		return domain.Price{}, fmt.Errorf("oracle: %s price is zero: %w", assetID, domain.ErrStalePrice)
	}
	return domain.Price{AssetID: assetID, Value: v, PublishedAt: ts}, nil
}

var _ domain.Oracle = (*CacheOracle)(nil)
