package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/crypto"
	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/executor"
	"github.com/alanyoungcy/lendliq/internal/lending"
	"github.com/alanyoungcy/lendliq/internal/metrics"
	"github.com/alanyoungcy/lendliq/internal/oracle"
	"github.com/alanyoungcy/lendliq/internal/server"
	"github.com/alanyoungcy/lendliq/internal/server/handler"
	"github.com/alanyoungcy/lendliq/internal/server/ws"
	"github.com/alanyoungcy/lendliq/internal/service"
	"github.com/alanyoungcy/lendliq/internal/store/memory"
	"github.com/alanyoungcy/lendliq/internal/view"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

const (
	apiKey    = "test-key"
	authority = "authority"
	chainID   = 31337

	// Throwaway key (hardhat account #0).
	liquidatorKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	liquidatorAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func units(s string, decimals uint8) *uint256.Int {
	v, err := wad.MulDiv(wad.MustParse(s), wad.Pow10(decimals), wad.One)
	if err != nil {
		panic(err)
	}
	return v
}

type fixture struct {
	handler http.Handler
	bus     *memory.SignalBus
	hub     *ws.Hub
	signer  *crypto.Signer
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	store.PutBank(domain.Bank{AssetID: "SOL", Decimals: 9, InterestRate: wad.Zero(),
		LiquidationThreshold: wad.MustParse("0.8"), LiquidationBonus: wad.MustParse("0.1"),
		CloseFactor: wad.MustParse("0.5"), TotalDeposits: units("100", 9), TotalBorrows: wad.Zero()})
	store.PutBank(domain.Bank{AssetID: "USDC", Decimals: 6, InterestRate: wad.Zero(),
		LiquidationThreshold: wad.MustParse("0.9"), LiquidationBonus: wad.MustParse("0.05"),
		CloseFactor: wad.MustParse("0.5"), TotalDeposits: units("100000", 6), TotalBorrows: units("10000", 6)})
	for user, debt := range map[string]string{"alice": "1000", "bob": "100"} {
		store.PutPosition(domain.AssetPosition{UserID: user, AssetID: "SOL", Deposited: units("10", 9),
			Borrowed: wad.Zero(), LastDepositUpdate: now, LastBorrowUpdate: now})
		store.PutPosition(domain.AssetPosition{UserID: user, AssetID: "USDC", Deposited: wad.Zero(),
			Borrowed: units(debt, 6), LastDepositUpdate: now, LastBorrowUpdate: now})
	}

	custody := memory.NewCustody(authority)
	custody.SetBalance(liquidatorAddr, "USDC", units("100000", 6))
	custody.SetBalance(domain.ReserveAccount("SOL"), "SOL", units("1000", 9))

	prices := memory.NewPriceCache()
	require.NoError(t, prices.SetPrice(ctx, "SOL", decimal.NewFromInt(100), now))
	require.NoError(t, prices.SetPrice(ctx, "USDC", decimal.NewFromInt(1), now))

	m := metrics.New("test")
	bus := memory.NewSignalBus(100)
	engine := lending.NewEngine(store,
		oracle.NewCacheOracle(prices).WithClock(clock),
		executor.NewTransferPair(custody, authority, logger),
		memory.NewLockManager(),
		lending.Config{MaxStaleness: time.Minute, AuthorityID: authority}, logger).WithClock(clock)
	liquidations := service.NewLiquidationService(engine, crypto.NewVerifier(chainID),
		executor.NewReplayGuard(10*time.Minute).WithClock(clock),
		store.Audit(), bus, nil, m, logger).WithClock(clock)
	positions := service.NewPositionService(store.Banks(), store.Positions(), engine, logger)

	signer, err := crypto.NewSigner(liquidatorKey, chainID)
	require.NoError(t, err)

	hub := ws.NewHub(bus, logger, ws.Config{Mode: "server", StartedAt: now})
	h := server.NewHandler(server.Config{
		CORSOrigins: []string{"https://app.example"},
		APIKey:      apiKey,
		RateLimit:   rateLimit,
		RateWindow:  time.Minute,
	}, server.Handlers{
		Health:       handler.NewHealthHandler(nil, logger),
		Status:       &handler.StatusHandler{Mode: "server", Backend: "memory", ChainID: chainID, StartedAt: now},
		Banks:        handler.NewBankHandler(positions, logger),
		Positions:    handler.NewPositionHandler(positions, logger),
		Liquidations: handler.NewLiquidationHandler(liquidations, store.Liquidations(), logger),
		Metrics:      m.Handler(),
	}, hub, memory.NewRateLimiter(), logger)

	return &fixture{handler: h, bus: bus, hub: hub, signer: signer}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("X-API-Key", apiKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) signed(t *testing.T, user string, nonce uint64) service.SignedLiquidation {
	t.Helper()
	auth := crypto.LiquidationAuth{
		Liquidator:      liquidatorAddr,
		User:            user,
		CollateralAsset: "SOL",
		BorrowedAsset:   "USDC",
		Nonce:           nonce,
		Deadline:        now.Add(time.Minute).Unix(),
	}
	sig, err := f.signer.SignLiquidation(auth)
	require.NoError(t, err)
	return service.SignedLiquidation{Auth: auth, Signature: sig}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAuth(t *testing.T) {
	f := newFixture(t, 0)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/banks", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/banks", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, 0)
	req := httptest.NewRequest(http.MethodOptions, "/api/liquidations", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/liquidations", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBanks(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/api/banks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	banks := decode[struct {
		Banks []view.Bank `json:"banks"`
	}](t, rec)
	require.Len(t, banks.Banks, 2)
	assert.Equal(t, "SOL", banks.Banks[0].AssetID)
	assert.Equal(t, "0.8", banks.Banks[0].LiquidationThreshold)

	rec = f.do(t, http.MethodGet, "/api/banks/USDC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10000000000", decode[view.Bank](t, rec).TotalBorrows)

	rec = f.do(t, http.MethodGet, "/api/banks/DOGE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositionAndQuote(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/api/positions/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pos := decode[struct {
		Position view.Position `json:"position"`
		Health   []struct {
			Collateral string      `json:"collateral_asset_id"`
			Borrowed   string      `json:"borrowed_asset_id"`
			Quote      *view.Quote `json:"quote"`
		} `json:"health"`
	}](t, rec)
	assert.Equal(t, "alice", pos.Position.UserID)
	assert.Len(t, pos.Position.Assets, 2)
	require.Len(t, pos.Health, 1)
	require.NotNil(t, pos.Health[0].Quote)
	assert.True(t, pos.Health[0].Quote.Liquidatable)

	rec = f.do(t, http.MethodGet, "/api/positions/carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/quote?user=alice&collateral=SOL", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/quote?user=alice&collateral=SOL&borrowed=USDC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[view.Quote](t, rec)
	assert.Equal(t, "0.8", q.HealthFactor)
	assert.Equal(t, "500000000", q.RepayAmount)
	assert.Equal(t, "5500000000", q.SeizeAmount)

	rec = f.do(t, http.MethodGet, "/api/quote?user=bob&collateral=SOL&borrowed=USDC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	q = decode[view.Quote](t, rec)
	assert.False(t, q.Liquidatable)
	assert.Empty(t, q.RepayAmount)
}

func TestLiquidate(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/liquidations", f.signed(t, "alice", 1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	liq := decode[view.Liquidation](t, rec)
	assert.Equal(t, liquidatorAddr, liq.LiquidatorID)
	assert.Equal(t, "500000000", liq.RepayAmount)
	assert.Equal(t, "5500000000", liq.SeizeAmount)

	// Same nonce again.
	rec = f.do(t, http.MethodPost, "/api/liquidations", f.signed(t, "alice", 1))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/liquidations", f.signed(t, "bob", 2))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	tampered := f.signed(t, "alice", 3)
	tampered.Auth.User = "bob"
	rec = f.do(t, http.MethodPost, "/api/liquidations", tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/liquidations", map[string]any{"signature": "0x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/liquidations?user=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Liquidations []view.Liquidation `json:"liquidations"`
	}](t, rec)
	require.Len(t, list.Liquidations, 1)
	assert.Equal(t, liq.ID, list.Liquidations[0].ID)

	rec = f.do(t, http.MethodGet, "/api/liquidations?user=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"liquidations":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `test_liquidations_total{outcome="success"} 1`)
}

func TestLiquidateRateLimited(t *testing.T) {
	f := newFixture(t, 1)

	rec := f.do(t, http.MethodPost, "/api/liquidations", f.signed(t, "bob", 1))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/liquidations", f.signed(t, "alice", 2))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Reads are not limited.
	rec = f.do(t, http.MethodGet, "/api/liquidations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketBridgesBus(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Run(ctx)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?api_key=" + apiKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	type frame struct {
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		Payload json.RawMessage `json:"payload"`
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var status frame
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status.Type)

	// The hub subscribes asynchronously; publish until a frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = f.bus.Publish(ctx, domain.ChannelPrices, []byte(`{"event":"price","asset_id":"SOL"}`))
			}
		}
	}()

	var ev frame
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, domain.ChannelPrices, ev.Channel)
	assert.JSONEq(t, `{"event":"price","asset_id":"SOL"}`, string(ev.Payload))
}
