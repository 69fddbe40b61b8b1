package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/crypto"
	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/executor"
	"github.com/alanyoungcy/lendliq/internal/lending"
	"github.com/alanyoungcy/lendliq/internal/metrics"
	"github.com/alanyoungcy/lendliq/internal/notify"
	"github.com/alanyoungcy/lendliq/internal/oracle"
	"github.com/alanyoungcy/lendliq/internal/service"
	"github.com/alanyoungcy/lendliq/internal/store/memory"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

const (
	authority = "authority"
	sol       = "SOL"
	usdc      = "USDC"
	eth       = "ETH"

	// Throwaway key (hardhat account #0).
	keeperKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	keeperAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	chainID    = 31337
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func units(s string, decimals uint8) *uint256.Int {
	v, err := wad.MulDiv(wad.MustParse(s), wad.Pow10(decimals), wad.One)
	if err != nil {
		panic(err)
	}
	return v
}

type recordingSender struct{ got []notify.Message }

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.got = append(r.got, msg)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

type harness struct {
	store    *memory.Store
	custody  *memory.Custody
	bus      *memory.SignalBus
	prices   *memory.PriceCache
	sender   *recordingSender
	metrics  *metrics.Metrics
	signer   *crypto.Signer
	engine   *lending.Engine
	service  *service.LiquidationService
	position *service.PositionService
	notifier *notify.Notifier
}

// liquidationService builds a service over the harness engine with its own
// replay guard, as a second server replica would.
func (h *harness) liquidationService(replay domain.ReplayGuard) *service.LiquidationService {
	return service.NewLiquidationService(h.engine, crypto.NewVerifier(chainID), replay,
		h.store.Audit(), h.bus, h.notifier, h.metrics, discard()).
		WithClock(clock).
		WithSignatureWindow(10 * time.Minute)
}

// failingGuard is a replay guard whose backend is unreachable.
type failingGuard struct{ calls int }

func (f *failingGuard) Claim(context.Context, string) (bool, error) {
	f.calls++
	return false, errors.New("connection refused")
}

// borrower gives userID 10 SOL of collateral against debt USDC of debt.
func (h *harness) borrower(userID, debt string) {
	h.store.PutPosition(domain.AssetPosition{UserID: userID, AssetID: sol,
		Deposited: units("10", 9), Borrowed: wad.Zero(), LastDepositUpdate: now, LastBorrowUpdate: now})
	h.store.PutPosition(domain.AssetPosition{UserID: userID, AssetID: usdc,
		Deposited: wad.Zero(), Borrowed: units(debt, 6), LastDepositUpdate: now, LastBorrowUpdate: now})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		store:   memory.New(),
		custody: memory.NewCustody(authority),
		bus:     memory.NewSignalBus(100),
		prices:  memory.NewPriceCache(),
		sender:  &recordingSender{},
		metrics: metrics.New("test"),
	}
	for _, b := range []domain.Bank{
		{AssetID: sol, Decimals: 9, InterestRate: wad.Zero(), LiquidationThreshold: wad.MustParse("0.8"),
			LiquidationBonus: wad.MustParse("0.1"), CloseFactor: wad.MustParse("0.5"),
			TotalDeposits: units("100", 9), TotalBorrows: wad.Zero()},
		{AssetID: usdc, Decimals: 6, InterestRate: wad.Zero(), LiquidationThreshold: wad.MustParse("0.9"),
			LiquidationBonus: wad.MustParse("0.05"), CloseFactor: wad.MustParse("0.5"),
			TotalDeposits: units("100000", 6), TotalBorrows: units("10000", 6)},
	} {
		h.store.PutBank(b)
	}
	h.borrower("alice", "1000")
	h.borrower("bob", "100")

	h.custody.SetBalance(keeperAddr, usdc, units("100000", 6))
	h.custody.SetBalance(domain.ReserveAccount(sol), sol, units("1000", 9))

	require.NoError(t, h.prices.SetPrice(ctx, sol, decimal.NewFromInt(100), now))
	require.NoError(t, h.prices.SetPrice(ctx, usdc, decimal.NewFromInt(1), now))

	var err error
	h.signer, err = crypto.NewSigner(keeperKey, chainID)
	require.NoError(t, err)

	logger := discard()
	orc := oracle.NewCacheOracle(h.prices).WithClock(clock).WithObserver(h.metrics)
	pair := executor.NewTransferPair(h.custody, authority, logger)
	h.engine = lending.NewEngine(h.store, orc, pair, memory.NewLockManager(),
		lending.Config{MaxStaleness: time.Minute, AuthorityID: authority}, logger).WithClock(clock)

	h.notifier = notify.NewNotifier([]notify.Sender{h.sender}, nil, logger)
	h.service = h.liquidationService(executor.NewReplayGuard(10 * time.Minute).WithClock(clock))
	h.position = service.NewPositionService(h.store.Banks(), h.store.Positions(), h.engine, logger)
	return h
}

func (h *harness) signed(t *testing.T, user string, nonce uint64) service.SignedLiquidation {
	t.Helper()
	auth := crypto.LiquidationAuth{
		Liquidator:      keeperAddr,
		User:            user,
		CollateralAsset: sol,
		BorrowedAsset:   usdc,
		Nonce:           nonce,
		Deadline:        now.Add(time.Minute).Unix(),
	}
	sig, err := h.signer.SignLiquidation(auth)
	require.NoError(t, err)
	return service.SignedLiquidation{Auth: auth, Signature: sig}
}

func (h *harness) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestLiquidationService_Submit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	events, err := h.bus.Subscribe(ctx, domain.ChannelLiquidations)
	require.NoError(t, err)

	rec, err := h.service.Submit(ctx, h.signed(t, "alice", 1))
	require.NoError(t, err)
	assert.Equal(t, keeperAddr, rec.LiquidatorID)
	assert.Equal(t, units("500", 6), rec.RepayAmount)
	assert.Equal(t, units("5.5", 9), rec.SeizeAmount)

	assert.Equal(t, units("99500", 6), h.custody.Balance(keeperAddr, usdc))
	assert.Equal(t, units("5.5", 9), h.custody.Balance(keeperAddr, sol))

	select {
	case raw := <-events:
		var ev service.LiquidationEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, "liquidation", ev.Event)
		assert.Equal(t, rec.ID, ev.Liquidation.ID)
		assert.Equal(t, "0.8", ev.Liquidation.HealthFactor)
		assert.Equal(t, "500000000", ev.Liquidation.RepayAmount)
	case <-time.After(time.Second):
		t.Fatal("liquidation event not published")
	}

	stream, err := h.bus.StreamRead(ctx, domain.StreamLiquidations, "", 10)
	require.NoError(t, err)
	assert.Len(t, stream, 1)

	audit, err := h.store.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "liquidation", audit[0].Event)

	require.Len(t, h.sender.got, 1)
	assert.Equal(t, notify.EventLiquidation, h.sender.got[0].Event)

	body := h.scrape(t)
	assert.Contains(t, body, `test_liquidations_total{outcome="success"} 1`)
	assert.Contains(t, body, `test_price_age_seconds{asset="SOL"} 0`)
}

func TestLiquidationService_RejectsReplay(t *testing.T) {
	h := newHarness(t)
	req := h.signed(t, "alice", 9)

	_, err := h.service.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = h.service.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrReplayed)
}

func TestLiquidationService_ReplayGuardSharedAcrossReplicas(t *testing.T) {
	h := newHarness(t)
	shared := executor.NewReplayGuard(10 * time.Minute).WithClock(clock)
	first := h.liquidationService(shared)
	second := h.liquidationService(shared)
	req := h.signed(t, "alice", 11)

	_, err := first.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = second.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrReplayed)
	assert.Equal(t, units("5.5", 9), h.custody.Balance(keeperAddr, sol))
}

func TestLiquidationService_ReplayGuardErrorRejects(t *testing.T) {
	h := newHarness(t)
	guard := &failingGuard{}
	svc := h.liquidationService(guard)

	_, err := svc.Submit(context.Background(), h.signed(t, "alice", 12))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrReplayed)
	assert.Contains(t, err.Error(), "replay guard: connection refused")
	assert.Equal(t, 1, guard.calls)

	pos, err := h.store.Position(context.Background(), "alice", usdc)
	require.NoError(t, err)
	assert.Equal(t, units("1000", 6), pos.Borrowed)
	assert.True(t, h.custody.Balance(keeperAddr, sol).IsZero())
}

func TestLiquidationService_RejectsBadAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	expired := h.signed(t, "alice", 1)
	expired.Auth.Deadline = now.Add(-time.Second).Unix()
	_, err := h.service.Submit(ctx, expired)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	tampered := h.signed(t, "alice", 2)
	tampered.Auth.User = "bob"
	_, err = h.service.Submit(ctx, tampered)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	require.ErrorIs(t, err, crypto.ErrBadSignature)

	far := h.signed(t, "alice", 3)
	far.Auth.Deadline = now.Add(time.Hour).Unix()
	_, err = h.service.Submit(ctx, far)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	bad := h.signed(t, "alice", 4)
	bad.Auth.Liquidator = "keeper"
	_, err = h.service.Submit(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	pos, err := h.store.Position(ctx, "alice", usdc)
	require.NoError(t, err)
	assert.Equal(t, units("1000", 6), pos.Borrowed)
	assert.Empty(t, h.sender.got)
}

func TestLiquidationService_SafePositionCountsOutcome(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Submit(context.Background(), h.signed(t, "bob", 1))
	require.ErrorIs(t, err, domain.ErrNotUnderCollateralized)
	assert.Contains(t, h.scrape(t), `test_liquidations_total{outcome="safe"} 1`)
}

func TestKeeper_Scan(t *testing.T) {
	h := newHarness(t)
	h.borrower("carol", "900")

	k := service.NewKeeper(h.store.Positions(), h.service, h.signer, h.bus, nil, h.metrics,
		service.KeeperConfig{ScanLimit: 1, MaxPerScan: 1}, discard()).WithClock(clock)

	res, err := k.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Liquidated)
	assert.Equal(t, 1, res.Unsafe)
	assert.Zero(t, res.Failed)

	// alice sorts first and is liquidated; carol waits for the next scan.
	alice, err := h.store.Position(context.Background(), "alice", usdc)
	require.NoError(t, err)
	assert.Equal(t, units("500", 6), alice.Borrowed)

	res, err = k.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Liquidated)
	assert.Contains(t, h.scrape(t), "test_keeper_scans_total 2")
}

func TestKeeper_ScanVisitsEveryPage(t *testing.T) {
	h := newHarness(t)
	k := service.NewKeeper(h.store.Positions(), h.service, h.signer, nil, nil, nil,
		service.KeeperConfig{ScanLimit: 1}, discard()).WithClock(clock)

	res, err := k.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Users)
	assert.Equal(t, 2, res.Pairs)
	assert.Equal(t, 1, res.Liquidated)
}

func TestKeeper_StalePricesSkipped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.prices.SetPrice(context.Background(), sol, decimal.NewFromInt(100), now.Add(-time.Hour)))

	k := service.NewKeeper(h.store.Positions(), h.service, h.signer, nil, nil, nil,
		service.KeeperConfig{}, discard()).WithClock(clock)
	res, err := k.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Liquidated)
	assert.Zero(t, res.Failed)
}

func TestPositionService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	health, err := h.position.Health(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, service.Pair{Collateral: sol, Borrowed: usdc}, health[0].Pair)
	require.NoError(t, health[0].Err)
	assert.True(t, health[0].Quote.Health.Liquidatable)

	_, err = h.position.Position(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)

	banks, err := h.position.Banks(ctx)
	require.NoError(t, err)
	assert.Len(t, banks, 2)
}

func TestPairs(t *testing.T) {
	u := domain.UserPosition{UserID: "u", Assets: map[string]domain.AssetPosition{
		sol:  {AssetID: sol, Deposited: wad.One, Borrowed: wad.Zero()},
		eth:  {AssetID: eth, Deposited: wad.One, Borrowed: wad.One},
		usdc: {AssetID: usdc, Deposited: wad.Zero(), Borrowed: wad.One},
	}}
	assert.Equal(t, []service.Pair{
		{Collateral: eth, Borrowed: usdc},
		{Collateral: sol, Borrowed: eth},
		{Collateral: sol, Borrowed: usdc},
	}, service.Pairs(u))
}

type fakeArchiver struct {
	before time.Time
	n      int64
}

func (f *fakeArchiver) ArchiveLiquidations(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, nil
}

func TestArchiveService_RunOnce(t *testing.T) {
	sender := &recordingSender{}
	arch := &fakeArchiver{n: 3}
	s := service.NewArchiveService(arch, notify.NewNotifier([]notify.Sender{sender}, nil, discard()),
		time.Hour, 30*24*time.Hour, discard()).WithClock(clock)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, now.Add(-30*24*time.Hour), arch.before)
	require.Len(t, sender.got, 1)
	assert.Equal(t, notify.EventArchive, sender.got[0].Event)
}
