package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// PriceSource returns the latest quotes for a set of feed ids.
type PriceSource interface {
	LatestPrices(ctx context.Context, ids []string) (map[string]Quote, error)
}

// PriceEvent is the JSON published on the prices channel.
type PriceEvent struct {
	Event       string    `json:"event"`
	AssetID     string    `json:"asset_id"`
	Price       string    `json:"price"`
	Conf        string    `json:"conf"`
	PublishTime time.Time `json:"publish_time"`
}

// Feeder polls a PriceSource and writes every configured asset's price to
// the shared cache, announcing each update on the signal bus.
type Feeder struct {
	source   PriceSource
	cache    domain.PriceCache
	bus      domain.SignalBus
	feeds    map[string]string // normalized feed id -> asset id
	interval time.Duration
	logger   *slog.Logger
}

// NewFeeder creates a Feeder. feeds maps asset id to Pyth feed id. bus may be
// nil.
func NewFeeder(source PriceSource, cache domain.PriceCache, bus domain.SignalBus,
	feeds map[string]string, interval time.Duration, logger *slog.Logger) *Feeder {
	byFeed := make(map[string]string, len(feeds))
	for asset, id := range feeds {
		byFeed[NormalizeFeedID(id)] = asset
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Feeder{
		source:   source,
		cache:    cache,
		bus:      bus,
		feeds:    byFeed,
		interval: interval,
		logger:   logger.With(slog.String("component", "feeder")),
	}
}

// Run polls until ctx is cancelled. Poll failures are logged and retried on
// the next tick.
func (f *Feeder) Run(ctx context.Context) error {
	f.logger.InfoContext(ctx, "feeder: started",
		slog.Int("feeds", len(f.feeds)),
		slog.Duration("interval", f.interval),
	)
	defer f.logger.Info("feeder: stopped")

	f.poll(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

// poll fetches every feed once and returns how many prices were stored.
func (f *Feeder) poll(ctx context.Context) int {
	ids := make([]string, 0, len(f.feeds))
	for id := range f.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	quotes, err := f.source.LatestPrices(ctx, ids)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.WarnContext(ctx, "feeder: fetch failed", slog.String("error", err.Error()))
		}
		return 0
	}

	stored := 0
	for _, id := range ids {
		asset := f.feeds[id]
		q, ok := quotes[id]
		if !ok {
			f.logger.WarnContext(ctx, "feeder: feed missing from response",
				slog.String("asset", asset), slog.String("feed_id", id))
			continue
		}
		if err := f.cache.SetPrice(ctx, asset, q.Price, q.PublishTime); err != nil {
			f.logger.ErrorContext(ctx, "feeder: cache write failed",
				slog.String("asset", asset), slog.String("error", err.Error()))
			continue
		}
		stored++
		f.publish(ctx, asset, q)
	}
	return stored
}

func (f *Feeder) publish(ctx context.Context, asset string, q Quote) {
	if f.bus == nil {
		return
	}
	payload, err := json.Marshal(PriceEvent{
		Event:       "price",
		AssetID:     asset,
		Price:       q.Price.String(),
		Conf:        q.Conf.String(),
		PublishTime: q.PublishTime,
	})
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
		f.logger.DebugContext(ctx, "feeder: publish failed",
			slog.String("asset", asset), slog.String("error", err.Error()))
	}
}
