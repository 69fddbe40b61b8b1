package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

type recordingSender struct {
	name string
	err  error
	got  []Message
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func record(shortfall bool) domain.LiquidationRecord {
	return domain.LiquidationRecord{
		ID:                "liq-1",
		LiquidatorID:      "bob",
		UserID:            "alice",
		CollateralAssetID: "SOL",
		BorrowedAssetID:   "USDC",
		RepayAmount:       wad.MustParse("0.0000000005"),
		RepayValue:        wad.MustParse("500"),
		SeizeAmount:       wad.MustParse("0.0000000055"),
		SeizeValue:        wad.MustParse("550"),
		HealthFactor:      wad.MustParse("0.8"),
		Shortfall:         shortfall,
		ShortfallValue:    wad.MustParse("50"),
	}
}

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventShortfall}, discard())

	require.NoError(t, n.NotifyLiquidation(context.Background(), record(false)))
	assert.Empty(t, s.got)

	require.NoError(t, n.NotifyLiquidation(context.Background(), record(true)))
	require.Len(t, s.got, 1)
	assert.Equal(t, EventShortfall, s.got[0].Event)
	assert.Contains(t, s.got[0].Text(), "shortfall value: 50")
}

func TestNotifier_JoinsSenderErrors(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	n := NewNotifier([]Sender{bad, ok}, nil, discard())

	err := n.Notify(context.Background(), Message{Event: EventLiquidation, Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, ok.got, 1)
}

func TestLiquidationMessage(t *testing.T) {
	msg := LiquidationMessage(record(false))
	assert.Equal(t, EventLiquidation, msg.Event)
	assert.Equal(t, "bob repaid 500000000 USDC and seized 5500000000 SOL", msg.Body)
	assert.Contains(t, msg.Text(), "health factor: 0.8")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL)
	require.NoError(t, s.Send(context.Background(), Message{Title: "user_1", Body: "x"}))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*user\\_1*\nx", got["text"])
}

func TestDiscordSender(t *testing.T) {
	var got struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), LiquidationMessage(record(true)))
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, colorWarning, got.Embeds[0].Color)
	assert.Len(t, got.Embeds[0].Fields, 5)
}

func TestDiscordSender_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
