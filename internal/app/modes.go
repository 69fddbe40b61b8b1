package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lendliq/internal/config"
	"github.com/alanyoungcy/lendliq/internal/crypto"
	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/executor"
	"github.com/alanyoungcy/lendliq/internal/feed"
	"github.com/alanyoungcy/lendliq/internal/lending"
	"github.com/alanyoungcy/lendliq/internal/oracle"
	"github.com/alanyoungcy/lendliq/internal/server"
	"github.com/alanyoungcy/lendliq/internal/server/handler"
	"github.com/alanyoungcy/lendliq/internal/server/ws"
	"github.com/alanyoungcy/lendliq/internal/service"
)

// replayCleanupInterval is how often expired in-process replay keys are
// swept. Redis expires its keys on its own.
const replayCleanupInterval = time.Minute

// replaySweeper is implemented by replay guards that hold keys in memory.
type replaySweeper interface {
	Cleanup()
}

// services holds the engine-level services shared by the server and keeper.
type services struct {
	engine       *lending.Engine
	replay       domain.ReplayGuard
	liquidations *service.LiquidationService
	positions    *service.PositionService
}

func (a *App) buildServices(deps *Dependencies) *services {
	engine := lending.NewEngine(
		deps.Ledger,
		oracle.NewCacheOracle(deps.PriceCache).WithObserver(deps.Metrics),
		executor.NewTransferPair(deps.Custody, a.cfg.Engine.AuthorityID, a.logger),
		deps.LockManager,
		lending.Config{
			MaxStaleness:  a.cfg.Engine.MaxStaleness.Duration,
			LockTTL:       a.cfg.Engine.LockTTL.Duration,
			StrictSeizure: a.cfg.Engine.StrictSeizure,
			AuthorityID:   a.cfg.Engine.AuthorityID,
		},
		a.logger,
	)

	window := a.cfg.Server.SignatureTTL.Duration
	replay := deps.ReplayGuard
	if replay == nil {
		replay = executor.NewReplayGuard(window)
	}
	liquidations := service.NewLiquidationService(
		engine,
		crypto.NewVerifier(a.cfg.Server.ChainID),
		replay,
		deps.Audit,
		deps.SignalBus,
		deps.Notifier,
		deps.Metrics,
		a.logger,
	).WithSignatureWindow(window)

	return &services{
		engine:       engine,
		replay:       replay,
		liquidations: liquidations,
		positions:    service.NewPositionService(deps.Banks, deps.Positions, engine, a.logger),
	}
}

// ServerMode serves the HTTP and WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// KeeperMode scans borrowers and liquidates unsafe positions with the
// configured key.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startKeeper(ctx, g, deps, a.buildServices(deps)); err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}
	return g.Wait()
}

// FeedMode polls Hermes and publishes prices to the shared cache.
func (a *App) FeedMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting feed mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startFeeder(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode moves old liquidation records to object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return errors.New("archive mode: no s3 bucket configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startArchive(ctx, g, deps)
	return g.Wait()
}

// FullMode runs every subsystem in one process. The archive loop only runs
// when a bucket is configured.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	a.startFeeder(ctx, g, deps)
	if err := a.startKeeper(ctx, g, deps, svcs); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if deps.Archiver != nil {
		a.startArchive(ctx, g, deps)
	} else {
		a.logger.InfoContext(ctx, "full mode: archive disabled (no s3 bucket)")
	}
	a.startHTTPServer(ctx, g, deps, svcs)

	return g.Wait()
}

// startHTTPServer registers the API server, its WebSocket hub and the replay
// guard sweeper on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: &handler.StatusHandler{
			Mode:        a.cfg.Mode,
			Backend:     a.cfg.Ledger.Backend,
			ChainID:     a.cfg.Server.ChainID,
			AuthorityID: a.cfg.Engine.AuthorityID,
			StartedAt:   startedAt,
		},
		Banks:        handler.NewBankHandler(svcs.positions, a.logger),
		Positions:    handler.NewPositionHandler(svcs.positions, a.logger),
		Liquidations: handler.NewLiquidationHandler(svcs.liquidations, deps.Liquidations, a.logger),
		Metrics:      deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return ignoreCanceled(hub.Run(ctx))
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
	sweeper, ok := svcs.replay.(replaySweeper)
	if !ok {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(replayCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				sweeper.Cleanup()
			}
		}
	})
}

// startKeeper loads the keeper key and registers the scan loop on g.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) error {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey: a.cfg.Keeper.PrivateKey,
		KeyFile:       a.cfg.Keeper.KeyFile,
		KeyPassword:   a.cfg.Keeper.KeyPassword,
	})
	if err != nil {
		return err
	}
	signer, err := crypto.NewSigner(key, a.cfg.Server.ChainID)
	if err != nil {
		return err
	}
	if id := a.cfg.Keeper.LiquidatorID; id != "" && !strings.EqualFold(id, signer.Address()) {
		return fmt.Errorf("keeper: liquidator_id %s does not match key address %s", id, signer.Address())
	}

	keeper := service.NewKeeper(
		deps.Positions,
		svcs.liquidations,
		signer,
		deps.SignalBus,
		deps.Notifier,
		deps.Metrics,
		service.KeeperConfig{
			Interval:   a.cfg.Keeper.Interval.Duration,
			MaxPerScan: a.cfg.Keeper.MaxPerScan,
			ScanLimit:  a.cfg.Keeper.ScanLimit,
			AuthTTL:    a.cfg.Server.SignatureTTL.Duration,
			OnPrice:    a.cfg.Keeper.OnPrice,
		},
		a.logger,
	)
	g.Go(func() error {
		return ignoreCanceled(keeper.Run(ctx))
	})
	return nil
}

// startFeeder registers the Hermes poll loop on g. Without feeds it only
// logs, so full mode can run against externally published prices.
func (a *App) startFeeder(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if len(a.cfg.Oracle.Feeds) == 0 {
		a.logger.WarnContext(ctx, "feed: no oracle feeds configured, price feeder disabled")
		return
	}
	feeder := feed.NewFeeder(
		feed.NewHermesClient(a.cfg.Oracle.HermesURL, a.cfg.Oracle.Timeout.Duration),
		deps.PriceCache,
		deps.SignalBus,
		a.cfg.Oracle.Feeds,
		a.cfg.Oracle.PollInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return ignoreCanceled(feeder.Run(ctx))
	})
}

func (a *App) startArchive(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	archive := service.NewArchiveService(
		deps.Archiver,
		deps.Notifier,
		a.cfg.Archive.Interval.Duration,
		a.cfg.Archive.Retention.Duration,
		a.logger,
	)
	g.Go(func() error {
		return ignoreCanceled(archive.Run(ctx))
	})
}

// ignoreCanceled treats a cancelled context as a clean shutdown.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// modeRunner returns the entry point for a configured mode.
func (a *App) modeRunner(mode string) (func(context.Context, *Dependencies) error, bool) {
	switch strings.ToLower(mode) {
	case config.ModeServer:
		return a.ServerMode, true
	case config.ModeKeeper:
		return a.KeeperMode, true
	case config.ModeFeed:
		return a.FeedMode, true
	case config.ModeArchive:
		return a.ArchiveMode, true
	case config.ModeFull:
		return a.FullMode, true
	}
	return nil, false
}
