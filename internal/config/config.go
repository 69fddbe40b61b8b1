// Package config defines the top-level configuration for the liquidation
// service and provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LENDLIQ_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Oracle   OracleConfig   `toml:"oracle"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// Ledger backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// LedgerConfig selects where banks, positions and balances live. The memory
// backend also keeps locks, prices and events in process and ignores [redis].
type LedgerConfig struct {
	Backend string `toml:"backend"`
	// SeedFile optionally loads banks, positions and balances into the
	// memory backend at startup.
	SeedFile string `toml:"seed_file"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// StreamMaxLen caps the liquidation event stream.
	StreamMaxLen int64 `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters. An empty bucket
// disables the liquidation archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the liquidation engine's policy.
type EngineConfig struct {
	MaxStaleness  duration `toml:"max_staleness"`
	LockTTL       duration `toml:"lock_ttl"`
	StrictSeizure bool     `toml:"strict_seizure"`
	AuthorityID   string   `toml:"authority_id"`
}

// OracleConfig holds the Pyth Hermes feeder parameters.
type OracleConfig struct {
	HermesURL    string   `toml:"hermes_url"`
	PollInterval duration `toml:"poll_interval"`
	Timeout      duration `toml:"timeout"`
	// Feeds maps asset id to Pyth price feed id.
	Feeds map[string]string `toml:"feeds"`
}

// KeeperConfig holds the keeper's scan policy and signing key source.
type KeeperConfig struct {
	Interval     duration `toml:"interval"`
	LiquidatorID string   `toml:"liquidator_id"`
	PrivateKey   string   `toml:"private_key"`
	KeyFile      string   `toml:"key_file"`
	KeyPassword  string   `toml:"key_password"`
	MaxPerScan   int      `toml:"max_per_scan"`
	ScanLimit    int      `toml:"scan_limit"`
	// OnPrice triggers an extra scan on every price update.
	OnPrice bool `toml:"on_price"`
}

// ArchiveConfig holds the liquidation archive schedule.
type ArchiveConfig struct {
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required as X-API-Key on every route except
	// health and metrics.
	APIKey       string   `toml:"api_key"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
	SignatureTTL duration `toml:"signature_ttl"`
	ChainID      int64    `toml:"chain_id"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig holds Prometheus parameters.
type MetricsConfig struct {
	Namespace string `toml:"namespace"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Backend: BackendPostgres,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "lendliq",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "lendliq",
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			MaxStaleness: duration{60 * time.Second},
			LockTTL:      duration{30 * time.Second},
			AuthorityID:  "lendliq-authority",
		},
		Oracle: OracleConfig{
			HermesURL:    "https://hermes.pyth.network",
			PollInterval: duration{5 * time.Second},
			Timeout:      duration{10 * time.Second},
			Feeds:        map[string]string{},
		},
		Keeper: KeeperConfig{
			Interval:   duration{10 * time.Second},
			MaxPerScan: 10,
			ScanLimit:  200,
		},
		Archive: ArchiveConfig{
			Interval:  duration{24 * time.Hour},
			Retention: duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:    60,
			RateWindow:   duration{time.Minute},
			SignatureTTL: duration{5 * time.Minute},
			ChainID:      1,
		},
		Notify: NotifyConfig{
			Events: []string{"liquidation_shortfall", "keeper_error"},
		},
		Metrics: MetricsConfig{
			Namespace: "lendliq",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Run modes.
const (
	ModeServer  = "server"
	ModeKeeper  = "keeper"
	ModeFeed    = "feed"
	ModeArchive = "archive"
	ModeFull    = "full"
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeServer:  true,
	ModeKeeper:  true,
	ModeFeed:    true,
	ModeArchive: true,
	ModeFull:    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Runs reports whether the configured mode includes component, one of the
// non-full modes.
func (c *Config) Runs(component string) bool {
	mode := strings.ToLower(c.Mode)
	return mode == ModeFull || mode == component
}

// ArchiveEnabled reports whether an archive bucket is configured.
func (c *Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.S3.Bucket) != ""
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, feed, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	switch c.Ledger.Backend {
	case BackendPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}

		// Redis only backs the shared caches of the postgres deployment.
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: postgres, memory)", c.Ledger.Backend))
	}

	// Engine
	if c.Engine.MaxStaleness.Duration <= 0 {
		errs = append(errs, "engine: max_staleness must be > 0")
	}
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}
	if c.Engine.AuthorityID == "" {
		errs = append(errs, "engine: authority_id must not be empty")
	}

	// Oracle
	if c.Runs(ModeFeed) {
		if c.Oracle.HermesURL == "" {
			errs = append(errs, "oracle: hermes_url must not be empty")
		}
		if c.Oracle.PollInterval.Duration <= 0 {
			errs = append(errs, "oracle: poll_interval must be > 0")
		}
		if len(c.Oracle.Feeds) == 0 {
			errs = append(errs, "oracle: at least one feed must be configured")
		}
	}
	for _, asset := range sortedKeys(c.Oracle.Feeds) {
		if strings.TrimSpace(c.Oracle.Feeds[asset]) == "" {
			errs = append(errs, fmt.Sprintf("oracle: feed id for %s must not be empty", asset))
		}
	}

	// Keeper: needs a key to sign its own authorizations.
	if c.Runs(ModeKeeper) {
		if c.Keeper.PrivateKey == "" && c.Keeper.KeyFile == "" {
			errs = append(errs, "keeper: either private_key or key_file must be set for mode "+c.Mode)
		}
		if c.Keeper.KeyFile != "" && c.Keeper.KeyPassword == "" {
			errs = append(errs, "keeper: key_password is required when key_file is set")
		}
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be > 0")
		}
		if c.Keeper.MaxPerScan < 1 {
			errs = append(errs, "keeper: max_per_scan must be >= 1")
		}
		if c.Keeper.ScanLimit < 1 {
			errs = append(errs, "keeper: scan_limit must be >= 1")
		}
	}

	// Archive
	if strings.ToLower(c.Mode) == ModeArchive && !c.ArchiveEnabled() {
		errs = append(errs, "s3: bucket must be set for mode archive")
	}
	if c.ArchiveEnabled() {
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
	}

	// Server
	if c.Runs(ModeServer) {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.SignatureTTL.Duration <= 0 {
			errs = append(errs, "server: signature_ttl must be > 0")
		}
	}
	if c.Server.ChainID <= 0 {
		errs = append(errs, "server: chain_id must be positive")
	}

	// Notify: Telegram needs both halves.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Metrics.Namespace == "" {
		errs = append(errs, "metrics: namespace must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
