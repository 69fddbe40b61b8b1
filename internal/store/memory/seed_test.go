package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

const seedTOML = `
[[banks]]
asset_id = "SOL"
decimals = 9
interest_rate = "0.05"
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

func TestSeedApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(seedTOML), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)

	store, custody := New(), NewCustody("authority")
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, seed.Apply(store, custody, at))

	b, err := store.Bank(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, wad.MustParse("0.8"), b.LiquidationThreshold)
	assert.True(t, b.TotalBorrows.IsZero())
	assert.Nil(t, b.MaxLTV)

	p, err := store.Position(context.Background(), "alice", "SOL")
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(10_000_000_000), p.Deposited)
	assert.Equal(t, at, p.LastBorrowUpdate)

	assert.Equal(t, uint256.NewInt(1_000_000_000_000), custody.Balance(domain.ReserveAccount("SOL"), "SOL"))
}

func TestSeedApplyRejectsBadInput(t *testing.T) {
	store := New()

	bad := Seed{Banks: []SeedBank{{AssetID: "SOL", Decimals: 9, InterestRate: "0",
		LiquidationThreshold: "1.2", LiquidationBonus: "0.1", CloseFactor: "0.5"}}}
	require.ErrorIs(t, bad.Apply(store, nil, time.Now()), domain.ErrInvalidBank)

	orphan := Seed{Positions: []SeedPosition{{UserID: "alice", AssetID: "DOGE", Deposited: "1"}}}
	require.ErrorIs(t, orphan.Apply(store, nil, time.Now()), domain.ErrNotFound)

	junk := Seed{Banks: []SeedBank{{AssetID: "SOL", InterestRate: "abc"}}}
	require.Error(t, junk.Apply(store, nil, time.Now()))
}

func TestSeedApplyTruncatesStamps(t *testing.T) {
	var seed Seed
	_, err := toml.Decode(seedTOML, &seed)
	require.NoError(t, err)

	store := New()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, seed.Apply(store, nil, at.Add(450*time.Millisecond)))

	p, err := store.Position(context.Background(), "alice", "SOL")
	require.NoError(t, err)
	assert.Equal(t, at, p.LastDepositUpdate)
	assert.Equal(t, at, p.LastBorrowUpdate)
}
