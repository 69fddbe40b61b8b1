package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/lendliq/internal/blob/s3"
	"github.com/alanyoungcy/lendliq/internal/cache/redis"
	"github.com/alanyoungcy/lendliq/internal/config"
	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/executor"
	"github.com/alanyoungcy/lendliq/internal/metrics"
	"github.com/alanyoungcy/lendliq/internal/notify"
	"github.com/alanyoungcy/lendliq/internal/server/handler"
	"github.com/alanyoungcy/lendliq/internal/store/memory"
	"github.com/alanyoungcy/lendliq/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Ledger       domain.Ledger
	Banks        domain.BankStore
	Positions    domain.PositionStore
	Liquidations domain.LiquidationStore
	Audit        domain.AuditStore
	Custody      domain.Custody

	// Caches
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	ReplayGuard domain.ReplayGuard

	// Archiver is nil unless an S3 bucket is configured.
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// HealthChecks feeds GET /api/health, keyed by backend name.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics:      metrics.New(cfg.Metrics.Namespace),
		HealthChecks: make(map[string]handler.HealthCheck),
	}

	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		if err := wireMemory(cfg, deps, logger); err != nil {
			return nil, nil, err
		}
	default:
		if err := wirePostgres(ctx, cfg, deps, &closers); err != nil {
			cleanup()
			return nil, nil, err
		}
		if err := wireRedis(ctx, cfg, deps, &closers); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	// --- S3 archive (optional) ---
	if cfg.ArchiveEnabled() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		blobs := s3blob.NewStore(s3Client)
		deps.Archiver = s3blob.NewArchiver(blobs, blobs, deps.Liquidations, deps.Audit)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireMemory builds the single-process backend, optionally seeded from a
// TOML file.
func wireMemory(cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	store := memory.New()
	custody := memory.NewCustody(cfg.Engine.AuthorityID)

	if cfg.Ledger.SeedFile != "" {
		seed, err := memory.LoadSeed(cfg.Ledger.SeedFile)
		if err != nil {
			return fmt.Errorf("wire: %w", err)
		}
		if err := seed.Apply(store, custody, time.Now().UTC()); err != nil {
			return fmt.Errorf("wire: seed %s: %w", cfg.Ledger.SeedFile, err)
		}
		logger.Info("wire: memory ledger seeded",
			slog.String("file", cfg.Ledger.SeedFile),
			slog.Int("banks", len(seed.Banks)),
			slog.Int("positions", len(seed.Positions)),
		)
	}

	deps.Ledger = store
	deps.Banks = store.Banks()
	deps.Positions = store.Positions()
	deps.Liquidations = store.Liquidations()
	deps.Audit = store.Audit()
	deps.Custody = custody

	deps.PriceCache = memory.NewPriceCache()
	deps.LockManager = memory.NewLockManager()
	deps.RateLimiter = memory.NewRateLimiter()
	deps.SignalBus = memory.NewSignalBus(int(cfg.Redis.StreamMaxLen))
	deps.ReplayGuard = executor.NewReplayGuard(cfg.Server.SignatureTTL.Duration)
	return nil
}

func wirePostgres(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func()) error {
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:             cfg.Postgres.DSN,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		Database:        cfg.Postgres.Database,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        cfg.Postgres.PoolMaxConns,
		MinConns:        cfg.Postgres.PoolMinConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
	})
	if err != nil {
		return fmt.Errorf("wire: postgres: %w", err)
	}
	*closers = append(*closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Ledger = postgres.NewLedger(pool)
	deps.Banks = postgres.NewBankStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Liquidations = postgres.NewLiquidationStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Custody = postgres.NewCustodyLedger(pool, cfg.Engine.AuthorityID)
	deps.HealthChecks["postgres"] = pgClient.Ping
	return nil
}

func wireRedis(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func()) error {
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("wire: redis: %w", err)
	}
	*closers = append(*closers, func() { _ = redisClient.Close() })

	// Prices the feeder stops refreshing expire well after they went stale.
	priceTTL := 10 * cfg.Engine.MaxStaleness.Duration

	deps.PriceCache = redis.NewPriceCache(redisClient, priceTTL)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	// Replay keys are shared so every server replica rejects a reused nonce.
	deps.ReplayGuard = redis.NewReplayGuard(redisClient, cfg.Server.SignatureTTL.Duration)
	deps.HealthChecks["redis"] = redisClient.Ping
	return nil
}
