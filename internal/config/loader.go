package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LENDLIQ_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LENDLIQ_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "LENDLIQ_LEDGER_BACKEND")
	setStr(&cfg.Ledger.SeedFile, "LENDLIQ_LEDGER_SEED_FILE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LENDLIQ_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LENDLIQ_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LENDLIQ_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LENDLIQ_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LENDLIQ_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LENDLIQ_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LENDLIQ_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LENDLIQ_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LENDLIQ_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LENDLIQ_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LENDLIQ_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LENDLIQ_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LENDLIQ_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LENDLIQ_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LENDLIQ_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LENDLIQ_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "LENDLIQ_REDIS_KEY_PREFIX")
	setInt64(&cfg.Redis.StreamMaxLen, "LENDLIQ_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LENDLIQ_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LENDLIQ_S3_REGION")
	setStr(&cfg.S3.Bucket, "LENDLIQ_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LENDLIQ_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LENDLIQ_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LENDLIQ_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LENDLIQ_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setDuration(&cfg.Engine.MaxStaleness, "LENDLIQ_ENGINE_MAX_STALENESS")
	setDuration(&cfg.Engine.LockTTL, "LENDLIQ_ENGINE_LOCK_TTL")
	setBool(&cfg.Engine.StrictSeizure, "LENDLIQ_ENGINE_STRICT_SEIZURE")
	setStr(&cfg.Engine.AuthorityID, "LENDLIQ_ENGINE_AUTHORITY_ID")

	// ── Oracle ──
	setStr(&cfg.Oracle.HermesURL, "LENDLIQ_ORACLE_HERMES_URL")
	setDuration(&cfg.Oracle.PollInterval, "LENDLIQ_ORACLE_POLL_INTERVAL")
	setDuration(&cfg.Oracle.Timeout, "LENDLIQ_ORACLE_TIMEOUT")

	// ── Keeper ──
	setDuration(&cfg.Keeper.Interval, "LENDLIQ_KEEPER_INTERVAL")
	setStr(&cfg.Keeper.LiquidatorID, "LENDLIQ_KEEPER_LIQUIDATOR_ID")
	setStr(&cfg.Keeper.PrivateKey, "LENDLIQ_KEEPER_PRIVATE_KEY")
	setStr(&cfg.Keeper.KeyFile, "LENDLIQ_KEEPER_KEY_FILE")
	setStr(&cfg.Keeper.KeyPassword, "LENDLIQ_KEEPER_KEY_PASSWORD")
	setInt(&cfg.Keeper.MaxPerScan, "LENDLIQ_KEEPER_MAX_PER_SCAN")
	setInt(&cfg.Keeper.ScanLimit, "LENDLIQ_KEEPER_SCAN_LIMIT")
	setBool(&cfg.Keeper.OnPrice, "LENDLIQ_KEEPER_ON_PRICE")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "LENDLIQ_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "LENDLIQ_ARCHIVE_RETENTION")

	// ── Server ──
	setInt(&cfg.Server.Port, "LENDLIQ_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LENDLIQ_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LENDLIQ_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LENDLIQ_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LENDLIQ_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.SignatureTTL, "LENDLIQ_SERVER_SIGNATURE_TTL")
	setInt64(&cfg.Server.ChainID, "LENDLIQ_SERVER_CHAIN_ID")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LENDLIQ_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LENDLIQ_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LENDLIQ_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LENDLIQ_NOTIFY_EVENTS")

	// ── Metrics ──
	setStr(&cfg.Metrics.Namespace, "LENDLIQ_METRICS_NAMESPACE")

	// ── Top-level ──
	setStr(&cfg.Mode, "LENDLIQ_MODE")
	setStr(&cfg.LogLevel, "LENDLIQ_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
