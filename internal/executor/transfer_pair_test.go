package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/store/memory"
)

// sequential hides TransferBatch so TransferPair takes the compensation path.
type sequential struct {
	c     *memory.Custody
	calls []domain.Transfer
}

func (s *sequential) Transfer(ctx context.Context, t domain.Transfer) error {
	s.calls = append(s.calls, t)
	return s.c.Transfer(ctx, t)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pairFixture() (*memory.Custody, domain.Transfer, domain.Transfer) {
	c := memory.NewCustody("auth")
	c.SetBalance("liq", "USDC", uint256.NewInt(1000))
	c.SetBalance(domain.ReserveAccount("SOL"), "SOL", uint256.NewInt(50))

	repay := domain.Transfer{
		From: "liq", To: domain.ReserveAccount("USDC"), AssetID: "USDC",
		Amount:        uint256.NewInt(400),
		Authorization: domain.Authorization{Kind: domain.AuthLiquidatorSignature, Signer: "liq"},
	}
	seize := domain.Transfer{
		From: domain.ReserveAccount("SOL"), To: "liq", AssetID: "SOL",
		Amount:        uint256.NewInt(30),
		Authorization: domain.Authorization{Kind: domain.AuthBankAuthority, Signer: "auth"},
	}
	return c, repay, seize
}

func TestExecutePair_Sequential(t *testing.T) {
	c, repay, seize := pairFixture()
	seq := &sequential{c: c}
	p := NewTransferPair(seq, "auth", testLogger())

	require.NoError(t, p.ExecutePair(context.Background(), repay, seize))
	assert.Len(t, seq.calls, 2)
	assert.Equal(t, uint64(600), c.Balance("liq", "USDC").Uint64())
	assert.Equal(t, uint64(30), c.Balance("liq", "SOL").Uint64())
}

func TestExecutePair_SequentialCompensatesRepay(t *testing.T) {
	c, repay, seize := pairFixture()
	seize.Amount = uint256.NewInt(51) // more than the reserve holds
	seq := &sequential{c: c}
	p := NewTransferPair(seq, "auth", testLogger())

	err := p.ExecutePair(context.Background(), repay, seize)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	var te *domain.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.LegSeize, te.Leg)

	require.Len(t, seq.calls, 3)
	assert.Equal(t, domain.AuthBankAuthority, seq.calls[2].Authorization.Kind)
	assert.Equal(t, uint64(1000), c.Balance("liq", "USDC").Uint64())
	assert.True(t, c.Balance(domain.ReserveAccount("USDC"), "USDC").IsZero())
}

func TestExecutePair_SequentialCompensationFails(t *testing.T) {
	c, repay, seize := pairFixture()
	c.Fail = func(tr domain.Transfer) error {
		if tr.AssetID == "SOL" || tr.From == domain.ReserveAccount("USDC") {
			return errors.New("custody offline")
		}
		return nil
	}
	p := NewTransferPair(&sequential{c: c}, "auth", testLogger())

	err := p.ExecutePair(context.Background(), repay, seize)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	var te *domain.TransferError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "leg=compensate")
}

func TestExecutePair_BatchMapsFailingIndex(t *testing.T) {
	c, repay, seize := pairFixture()
	seize.Amount = uint256.NewInt(51)
	p := NewTransferPair(c, "auth", testLogger())

	err := p.ExecutePair(context.Background(), repay, seize)
	var te *domain.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.LegSeize, te.Leg)
	assert.Equal(t, "SOL", te.AssetID)
	assert.Equal(t, uint64(1000), c.Balance("liq", "USDC").Uint64())
}

func TestRevertPair_RestoresBalances(t *testing.T) {
	for name, custody := range map[string]func(*memory.Custody) domain.Custody{
		"batch":      func(c *memory.Custody) domain.Custody { return c },
		"sequential": func(c *memory.Custody) domain.Custody { return &sequential{c: c} },
	} {
		t.Run(name, func(t *testing.T) {
			c, repay, seize := pairFixture()
			p := NewTransferPair(custody(c), "auth", testLogger())

			require.NoError(t, p.ExecutePair(context.Background(), repay, seize))
			require.NoError(t, p.RevertPair(context.Background(), repay, seize))

			assert.Equal(t, uint64(1000), c.Balance("liq", "USDC").Uint64())
			assert.True(t, c.Balance("liq", "SOL").IsZero())
			assert.Equal(t, uint64(50), c.Balance(domain.ReserveAccount("SOL"), "SOL").Uint64())
		})
	}
}

func TestReplayGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g := NewReplayGuard(time.Minute).WithClock(func() time.Time { return now })

	claim := func(key string) bool {
		ok, err := g.Claim(ctx, key)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, claim("liq:1"))
	assert.False(t, claim("liq:1"))
	assert.True(t, claim("liq:2"))

	now = now.Add(2 * time.Minute)
	g.Cleanup()
	assert.Equal(t, 0, g.Len())
	assert.True(t, claim("liq:1"))
}
