package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Keeper.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	cfg.Oracle.Feeds = map[string]string{"SOL": "0xef0d8b6f"}
	return cfg
}

func TestDefaultsWithKeyValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Ledger.Backend = "sqlite"
	cfg.Engine.MaxStaleness = duration{}
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `ledger: unknown backend "sqlite"`)
	assert.Contains(t, msg, "engine: max_staleness must be > 0")
	assert.Contains(t, msg, "telegram_chat_id must be set together")
}

func TestValidateModeScopedSections(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ModeServer
	require.NoError(t, cfg.Validate(), "server mode needs neither keeper key nor feeds")

	cfg.Mode = ModeKeeper
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeper: either private_key or key_file must be set")

	cfg.Keeper.KeyFile = "/etc/lendliq/keeper.json"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password is required")

	cfg.Mode = ModeArchive
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket must be set for mode archive")
}

func TestValidateMemoryBackendSkipsPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Backend = BackendMemory
	cfg.Postgres.Host = ""
	cfg.Redis.Addr = ""
	require.NoError(t, cfg.Validate())
}

func TestRuns(t *testing.T) {
	cfg := Defaults()
	assert.True(t, cfg.Runs(ModeKeeper))
	assert.True(t, cfg.Runs(ModeServer))

	cfg.Mode = "Keeper"
	assert.True(t, cfg.Runs(ModeKeeper))
	assert.False(t, cfg.Runs(ModeServer))
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendliq.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "keeper"

[engine]
max_staleness = "90s"
strict_seizure = true

[oracle.feeds]
SOL = "0xef0d8b6f"
USDC = "0xeaa020c6"

[keeper]
liquidator_id = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
max_per_scan = 3
`), 0o600))

	t.Setenv("LENDLIQ_KEEPER_PRIVATE_KEY", "0xabc")
	t.Setenv("LENDLIQ_KEEPER_INTERVAL", "2s")
	t.Setenv("LENDLIQ_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("LENDLIQ_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, 90*time.Second, cfg.Engine.MaxStaleness.Duration)
	assert.True(t, cfg.Engine.StrictSeizure)
	assert.Equal(t, 30*time.Second, cfg.Engine.LockTTL.Duration, "unset keys keep defaults")
	assert.Equal(t, map[string]string{"SOL": "0xef0d8b6f", "USDC": "0xeaa020c6"}, cfg.Oracle.Feeds)
	assert.Equal(t, 3, cfg.Keeper.MaxPerScan)
	assert.Equal(t, "0xabc", cfg.Keeper.PrivateKey)
	assert.Equal(t, 2*time.Second, cfg.Keeper.Interval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 8000, cfg.Server.Port, "malformed overrides are ignored")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nlock_ttl = \"soon\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Keeper.KeyPassword = ""

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.S3.SecretKey)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Equal(t, redacted, out.Keeper.PrivateKey)
	assert.Empty(t, out.Keeper.KeyPassword, "empty secrets stay empty")

	out.Oracle.Feeds["BTC"] = "0x1"
	out.Server.CORSOrigins[0] = "https://evil.example"
	assert.NotContains(t, cfg.Oracle.Feeds, "BTC")
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
