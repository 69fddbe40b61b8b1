package postgres

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"postgres://lend:pw@db:5432/lendliq?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "lendliq", User: "lend", Password: "pw"}))

	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"banks", "positions", "liquidations", "custody_balances", "audit_log"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestGroup(t *testing.T) {
	rows := []domain.AssetPosition{
		{UserID: "alice", AssetID: "SOL"},
		{UserID: "alice", AssetID: "USDC"},
		{UserID: "bob", AssetID: "USDC"},
	}
	out := group(rows)
	require.Len(t, out, 2)
	assert.Len(t, out[0].Assets, 2)
	assert.Equal(t, "bob", out[1].UserID)
	assert.Empty(t, group(nil))
}

func TestNumScanner(t *testing.T) {
	var n numScanner
	assert.Equal(t, uint64(42), n.parse("a", "42").Uint64())
	assert.Nil(t, n.parseNullable("b", nil))

	allOnes := new(uint256.Int).SetAllOne().Dec()
	assert.Equal(t, allOnes, n.parse("c", allOnes).Dec())
	require.NoError(t, n.err)

	assert.Nil(t, n.parse("d", "1.5"))
	require.Error(t, n.err)
	assert.Nil(t, n.parse("e", "7"), "first error sticks")

	assert.Equal(t, "0", numArg(nil))
	assert.Nil(t, numArgNullable(nil))
}
