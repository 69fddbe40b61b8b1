package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/config"
	"github.com/alanyoungcy/lendliq/internal/executor"
)

const testSeed = `
[[banks]]
asset_id = "SOL"
decimals = 9
interest_rate = "0"
liquidation_threshold = "0.8"
liquidation_bonus = "0.1"
close_factor = "0.5"
total_deposits = "100000000000"

[[positions]]
user_id = "alice"
asset_id = "SOL"
deposited = "10000000000"

[[balances]]
account = "reserve:SOL"
asset_id = "SOL"
amount = "1000000000000"
`

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(testSeed), 0o600))

	cfg := config.Defaults()
	cfg.Ledger.Backend = config.BackendMemory
	cfg.Ledger.SeedFile = path
	cfg.Server.Port = 0
	cfg.Keeper.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	return &cfg
}

func TestWireMemoryBackend(t *testing.T) {
	cfg := memoryConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	bank, err := deps.Banks.Get(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, uint8(9), bank.Decimals)

	pos, err := deps.Positions.ListByUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, pos.Assets, 1)

	assert.Nil(t, deps.Archiver, "no bucket, no archiver")
	assert.Empty(t, deps.HealthChecks)
	assert.NotNil(t, deps.SignalBus)
	assert.NotNil(t, deps.Metrics)

	guard, ok := deps.ReplayGuard.(*executor.ReplayGuard)
	require.True(t, ok, "memory backend keeps replay keys in process")
	fresh, err := guard.Claim(context.Background(), "0xabc:1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestWireRejectsBadSeed(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Ledger.SeedFile = filepath.Join(t.TempDir(), "missing.toml")
	_, _, err := Wire(context.Background(), cfg, testLogger())
	require.Error(t, err)
}

func TestRunUnsupportedMode(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Mode = "trade"
	a := New(cfg, testLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "trade"`)
}

func TestKeeperModeRejectsMismatchedLiquidator(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Mode = config.ModeKeeper
	cfg.Keeper.LiquidatorID = "0x0000000000000000000000000000000000000001"
	a := New(cfg, testLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match key address")
}

func TestArchiveModeNeedsBucket(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Mode = config.ModeArchive
	a := New(cfg, testLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no s3 bucket")
}

func TestServerModeShutsDownOnCancel(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Mode = config.ModeServer
	a := New(cfg, testLogger())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server mode did not stop")
	}
}
