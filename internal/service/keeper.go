package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/lendliq/internal/crypto"
	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/metrics"
	"github.com/alanyoungcy/lendliq/internal/notify"
)

// AuthSigner signs the keeper's own liquidation authorizations.
type AuthSigner interface {
	Address() string
	SignLiquidation(auth crypto.LiquidationAuth) (string, error)
}

// KeeperConfig controls the scan loop.
type KeeperConfig struct {
	Interval time.Duration
	// MaxPerScan caps liquidations per scan; 0 means unlimited.
	MaxPerScan int
	// ScanLimit is the ListBorrowers page size.
	ScanLimit int
	// AuthTTL is how far ahead signed deadlines are set.
	AuthTTL time.Duration
	// OnPrice triggers an extra scan whenever a price event arrives.
	OnPrice bool
}

// ScanResult summarises one scan.
type ScanResult struct {
	Users      int
	Pairs      int
	Unsafe     int
	Liquidated int
	Failed     int
}

// Keeper finds under-collateralized positions and liquidates them with its
// own key.
type Keeper struct {
	positions    domain.PositionStore
	liquidations *LiquidationService
	signer       AuthSigner
	bus          domain.SignalBus
	notifier     *notify.Notifier
	metrics      *metrics.Metrics
	cfg          KeeperConfig
	nonce        atomic.Uint64
	now          func() time.Time
	logger       *slog.Logger
}

// NewKeeper creates a Keeper. bus, notifier and metrics may be nil.
func NewKeeper(
	positions domain.PositionStore,
	liquidations *LiquidationService,
	signer AuthSigner,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	cfg KeeperConfig,
	logger *slog.Logger,
) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100
	}
	if cfg.AuthTTL <= 0 {
		cfg.AuthTTL = time.Minute
	}
	k := &Keeper{
		positions:    positions,
		liquidations: liquidations,
		signer:       signer,
		bus:          bus,
		notifier:     notifier,
		metrics:      m,
		cfg:          cfg,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "keeper")),
	}
	// Nonces only need to be unique per process lifetime within AuthTTL.
	k.nonce.Store(uint64(time.Now().UnixNano()))
	return k
}

// WithClock replaces the clock used for signed deadlines.
func (k *Keeper) WithClock(now func() time.Time) *Keeper {
	k.now = now
	return k
}

// Run scans every interval, and on price events when configured, until ctx
// ends.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper: started",
		slog.String("liquidator", k.signer.Address()),
		slog.Duration("interval", k.cfg.Interval),
		slog.Int("max_per_scan", k.cfg.MaxPerScan),
	)
	defer k.logger.Info("keeper: stopped")

	var prices <-chan []byte
	if k.cfg.OnPrice && k.bus != nil {
		ch, err := k.bus.Subscribe(ctx, domain.ChannelPrices)
		if err != nil {
			k.logger.WarnContext(ctx, "keeper: price subscription failed, using interval only",
				slog.String("error", err.Error()))
		} else {
			prices = ch
		}
	}

	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.scanAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-prices:
			if !ok {
				prices = nil
				continue
			}
			drain(prices)
		}
		k.scanAndLog(ctx)
	}
}

// drain discards queued events so a burst of price updates costs one scan.
func drain(ch <-chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (k *Keeper) scanAndLog(ctx context.Context) {
	res, err := k.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			k.logger.ErrorContext(ctx, "keeper: scan failed", slog.String("error", err.Error()))
		}
		return
	}
	if res.Unsafe > 0 || res.Failed > 0 {
		k.logger.InfoContext(ctx, "keeper: scan complete",
			slog.Int("users", res.Users),
			slog.Int("pairs", res.Pairs),
			slog.Int("unsafe", res.Unsafe),
			slog.Int("liquidated", res.Liquidated),
			slog.Int("failed", res.Failed),
		)
	}
}

// Scan pages through every borrower, quotes each pair and liquidates the
// unsafe ones. Per-pair errors are logged and the scan continues.
func (k *Keeper) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	defer k.metrics.KeeperScan()

	for offset := 0; ; offset += k.cfg.ScanLimit {
		users, err := k.positions.ListBorrowers(ctx, domain.ListOpts{Limit: k.cfg.ScanLimit, Offset: offset})
		if err != nil {
			return res, fmt.Errorf("keeper: list borrowers at %d: %w", offset, err)
		}
		for _, u := range users {
			res.Users++
			for _, p := range Pairs(u) {
				if err := ctx.Err(); err != nil {
					return res, err
				}
				if k.cfg.MaxPerScan > 0 && res.Liquidated >= k.cfg.MaxPerScan {
					return res, nil
				}
				res.Pairs++
				k.checkPair(ctx, u.UserID, p, &res)
			}
		}
		if len(users) < k.cfg.ScanLimit {
			return res, nil
		}
	}
}

func (k *Keeper) checkPair(ctx context.Context, userID string, p Pair, res *ScanResult) {
	q, err := k.liquidations.Quote(ctx, userID, p.Collateral, p.Borrowed)
	if err != nil {
		k.logger.DebugContext(ctx, "keeper: quote failed",
			slog.String("user", userID),
			slog.String("collateral", p.Collateral),
			slog.String("borrowed", p.Borrowed),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, domain.ErrStalePrice) && !errors.Is(err, domain.ErrLiquidationTooSmall) {
			res.Failed++
		}
		return
	}
	if !q.Health.Liquidatable {
		return
	}
	res.Unsafe++

	rec, err := k.liquidate(ctx, userID, p)
	if err != nil {
		res.Failed++
		if errors.Is(err, domain.ErrTransferFailed) && k.notifier != nil {
			_ = k.notifier.Notify(ctx, notify.Message{
				Event: notify.EventKeeperError,
				Title: fmt.Sprintf("Keeper liquidation of %s failed", userID),
				Body:  err.Error(),
			})
		}
		return
	}
	res.Liquidated++
	k.logger.InfoContext(ctx, "keeper: liquidated",
		slog.String("id", rec.ID),
		slog.String("user", userID),
		slog.String("collateral", p.Collateral),
		slog.String("borrowed", p.Borrowed),
	)
}

func (k *Keeper) liquidate(ctx context.Context, userID string, p Pair) (domain.LiquidationRecord, error) {
	auth := crypto.LiquidationAuth{
		Liquidator:      k.signer.Address(),
		User:            userID,
		CollateralAsset: p.Collateral,
		BorrowedAsset:   p.Borrowed,
		Nonce:           k.nonce.Add(1),
		Deadline:        k.now().Add(k.cfg.AuthTTL).Unix(),
	}
	sig, err := k.signer.SignLiquidation(auth)
	if err != nil {
		return domain.LiquidationRecord{}, fmt.Errorf("keeper: sign: %w: %v", domain.ErrSigningFailed, err)
	}
	return k.liquidations.Submit(ctx, SignedLiquidation{Auth: auth, Signature: sig})
}
