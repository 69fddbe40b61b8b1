package memory

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

var ts = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func seeded() *Store {
	s := New()
	for _, id := range []string{"SOL", "USDC"} {
		s.PutBank(domain.Bank{AssetID: id, TotalDeposits: uint256.NewInt(100), TotalBorrows: uint256.NewInt(100)})
	}
	s.PutPosition(domain.AssetPosition{UserID: "alice", AssetID: "SOL", Deposited: uint256.NewInt(10), LastDepositUpdate: ts})
	s.PutPosition(domain.AssetPosition{UserID: "alice", AssetID: "USDC", Borrowed: uint256.NewInt(20), LastBorrowUpdate: ts})
	s.PutPosition(domain.AssetPosition{UserID: "bob", AssetID: "SOL", Deposited: uint256.NewInt(5)})
	s.PutPosition(domain.AssetPosition{UserID: "carol", AssetID: "USDC", Borrowed: uint256.NewInt(1)})
	return s
}

func mutation() domain.LedgerMutation {
	later := ts.Add(time.Hour)
	return domain.LedgerMutation{
		UserID: "alice",
		Collateral: domain.LegUpdate{
			AssetID: "SOL", PrevPrincipal: uint256.NewInt(10), PrevUpdatedAt: ts,
			NewPrincipal: uint256.NewInt(4), UpdatedAt: later,
			Interest: uint256.NewInt(1), Removed: uint256.NewInt(7),
		},
		Borrowed: domain.LegUpdate{
			AssetID: "USDC", PrevPrincipal: uint256.NewInt(20), PrevUpdatedAt: ts,
			NewPrincipal: uint256.NewInt(12), UpdatedAt: later,
			Interest: uint256.NewInt(2), Removed: uint256.NewInt(10),
		},
		Record: domain.LiquidationRecord{ID: "rec-1", UserID: "alice", CreatedAt: later},
	}
}

func TestApplyLiquidation(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	require.NoError(t, s.ApplyLiquidation(ctx, mutation()))

	col, err := s.Position(ctx, "alice", "SOL")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), col.Deposited.Uint64())
	assert.Equal(t, ts.Add(time.Hour), col.LastDepositUpdate)

	bor, err := s.Position(ctx, "alice", "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), bor.Borrowed.Uint64())

	solBank, _ := s.Bank(ctx, "SOL")
	assert.Equal(t, uint64(94), solBank.TotalDeposits.Uint64())
	usdcBank, _ := s.Bank(ctx, "USDC")
	assert.Equal(t, uint64(92), usdcBank.TotalBorrows.Uint64())

	recs, err := s.Liquidations().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// Replaying the same mutation no longer matches the stored state.
	err = s.ApplyLiquidation(ctx, mutation())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestApplyLiquidation_ConflictLeavesStateIntact(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	m := mutation()
	m.Borrowed.PrevPrincipal = uint256.NewInt(21)

	require.ErrorIs(t, s.ApplyLiquidation(ctx, m), domain.ErrConflict)
	col, _ := s.Position(ctx, "alice", "SOL")
	assert.Equal(t, uint64(10), col.Deposited.Uint64())
	recs, _ := s.Liquidations().List(ctx, domain.ListOpts{})
	assert.Empty(t, recs)
}

func TestAdjustTotalSaturates(t *testing.T) {
	out := adjustTotal(uint256.NewInt(3), uint256.NewInt(1), uint256.NewInt(10))
	assert.True(t, out.IsZero())
}

func TestListBorrowers(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	all, err := s.Positions().ListBorrowers(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].UserID)
	assert.Equal(t, "carol", all[1].UserID)
	assert.ElementsMatch(t, []string{"SOL", "USDC"}, keys(all[0].Assets))

	second, err := s.Positions().ListBorrowers(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "carol", second[0].UserID)
}

func keys(m map[string]domain.AssetPosition) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestPositionsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	p, _ := s.Position(ctx, "alice", "SOL")
	p.Deposited.SetUint64(999)

	again, _ := s.Position(ctx, "alice", "SOL")
	assert.Equal(t, uint64(10), again.Deposited.Uint64())
}

func TestCustody_BatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := NewCustody("auth")
	c.SetBalance("liq", "USDC", uint256.NewInt(100))

	err := c.TransferBatch(ctx, []domain.Transfer{
		{From: "liq", To: "reserve:USDC", AssetID: "USDC", Amount: uint256.NewInt(60),
			Authorization: domain.Authorization{Kind: domain.AuthLiquidatorSignature, Signer: "liq"}},
		{From: "reserve:SOL", To: "liq", AssetID: "SOL", Amount: uint256.NewInt(1),
			Authorization: domain.Authorization{Kind: domain.AuthBankAuthority, Signer: "auth"}},
	})
	var be *domain.BatchTransferError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(100), c.Balance("liq", "USDC").Uint64())
}

func TestCustody_Authorization(t *testing.T) {
	ctx := context.Background()
	c := NewCustody("auth")
	c.SetBalance("reserve:SOL", "SOL", uint256.NewInt(10))
	c.SetBalance("liq", "SOL", uint256.NewInt(10))

	cases := map[string]domain.Transfer{
		"signature on reserve": {From: "reserve:SOL", To: "liq", AssetID: "SOL", Amount: uint256.NewInt(1),
			Authorization: domain.Authorization{Kind: domain.AuthLiquidatorSignature, Signer: "reserve:SOL"}},
		"wrong authority": {From: "reserve:SOL", To: "liq", AssetID: "SOL", Amount: uint256.NewInt(1),
			Authorization: domain.Authorization{Kind: domain.AuthBankAuthority, Signer: "mallory"}},
		"authority on user": {From: "liq", To: "reserve:SOL", AssetID: "SOL", Amount: uint256.NewInt(1),
			Authorization: domain.Authorization{Kind: domain.AuthBankAuthority, Signer: "auth"}},
		"other signer": {From: "liq", To: "reserve:SOL", AssetID: "SOL", Amount: uint256.NewInt(1),
			Authorization: domain.Authorization{Kind: domain.AuthLiquidatorSignature, Signer: "bob"}},
	}
	for name, tr := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, c.Transfer(ctx, tr), domain.ErrUnauthorized)
		})
	}
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	now := ts
	l := NewLockManager()
	l.clock = func() time.Time { return now }

	unlock, err := l.Acquire(ctx, "position:alice", time.Second)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "position:alice", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	// An expired lease can be taken over; the stale unlock must not free it.
	now = now.Add(2 * time.Second)
	unlock2, err := l.Acquire(ctx, "position:alice", time.Second)
	require.NoError(t, err)
	unlock()
	_, err = l.Acquire(ctx, "position:alice", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock2()
	_, err = l.Acquire(ctx, "position:alice", time.Second)
	require.NoError(t, err)
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	b := NewSignalBus(2)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, "s", []byte(p)))
	}
	msgs, err := b.StreamRead(ctx, "s", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[0].Payload))

	msgs, err = b.StreamRead(ctx, "s", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	now := ts
	r := NewRateLimiter()
	r.clock = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := r.Allow(ctx, "ip", 3, time.Minute)
		assert.True(t, ok)
	}
	ok, _ := r.Allow(ctx, "ip", 3, time.Minute)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, _ = r.Allow(ctx, "ip", 3, time.Minute)
	assert.True(t, ok)
}
