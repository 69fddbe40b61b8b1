package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/store/memory"
	"github.com/alanyoungcy/lendliq/internal/view"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

// blobs is an in-memory BlobWriter/BlobReader.
type blobs struct {
	objects map[string][]byte
	failPut bool
}

func newBlobs() *blobs { return &blobs{objects: map[string][]byte{}} }

func (b *blobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.failPut {
		return fmt.Errorf("put %s: unavailable", path)
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = raw
	return nil
}

func (b *blobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, contentTypeJSONL)
}

func (b *blobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *blobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, raw := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(raw))})
		}
	}
	return out, nil
}

func (b *blobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.objects[path]
	return ok, nil
}

func (b *blobs) lines(t *testing.T, path string) []view.Liquidation {
	t.Helper()
	raw, ok := b.objects[path]
	require.True(t, ok, "missing %s", path)
	var out []view.Liquidation
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var l view.Liquidation
		require.NoError(t, json.Unmarshal([]byte(line), &l))
		out = append(out, l)
	}
	return out
}

var day1 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// seed applies one liquidation per timestamp so the store holds records.
func seed(t *testing.T, s *memory.Store, at ...time.Time) {
	t.Helper()
	for i, ts := range at {
		s.PutBank(domain.Bank{AssetID: "SOL", InterestRate: wad.Zero(), LiquidationThreshold: wad.MustParse("0.8"),
			LiquidationBonus: wad.Zero(), CloseFactor: wad.One, TotalDeposits: wad.MustParse("1"), TotalBorrows: wad.Zero()})
		s.PutBank(domain.Bank{AssetID: "USDC", InterestRate: wad.Zero(), LiquidationThreshold: wad.MustParse("0.8"),
			LiquidationBonus: wad.Zero(), CloseFactor: wad.One, TotalDeposits: wad.Zero(), TotalBorrows: wad.MustParse("1")})
		user := fmt.Sprintf("user-%d", i)
		s.PutPosition(domain.AssetPosition{UserID: user, AssetID: "SOL", Deposited: wad.MustParse("1"), Borrowed: wad.Zero()})
		s.PutPosition(domain.AssetPosition{UserID: user, AssetID: "USDC", Deposited: wad.Zero(), Borrowed: wad.MustParse("1")})
		require.NoError(t, s.ApplyLiquidation(context.Background(), domain.LedgerMutation{
			UserID: user,
			Collateral: domain.LegUpdate{AssetID: "SOL", PrevPrincipal: wad.MustParse("1"),
				NewPrincipal: wad.Zero(), UpdatedAt: ts, Interest: wad.Zero(), Removed: wad.Zero()},
			Borrowed: domain.LegUpdate{AssetID: "USDC", PrevPrincipal: wad.MustParse("1"),
				NewPrincipal: wad.Zero(), UpdatedAt: ts, Interest: wad.Zero(), Removed: wad.Zero()},
			Record: domain.LiquidationRecord{ID: fmt.Sprintf("liq-%d", i), UserID: user, CreatedAt: ts,
				RepayAmount: wad.One, SeizeAmount: wad.One},
		}))
	}
}

func TestArchiver_WritesDayFilesAndDeletes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, day1, day1.Add(time.Hour), day1.Add(24*time.Hour), day1.Add(72*time.Hour))

	b := newBlobs()
	a := NewArchiver(b, b, store.Liquidations(), store.Audit())

	n, err := a.ArchiveLiquidations(ctx, day1.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	first := b.lines(t, "archive/liquidations/2026-03-01.jsonl")
	require.Len(t, first, 2)
	assert.Equal(t, "liq-0", first[0].ID)
	assert.Equal(t, "1000000000000000000", first[0].RepayAmount)
	assert.Len(t, b.lines(t, "archive/liquidations/2026-03-02.jsonl"), 1)

	left, err := store.Liquidations().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "liq-3", left[0].ID)

	audit, err := store.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "archive.liquidations", audit[0].Event)
}

func TestArchiver_MergesExistingDay(t *testing.T) {
	ctx := context.Background()
	b := newBlobs()
	prior, err := marshalJSONL([]view.Liquidation{{ID: "old", CreatedAt: day1.Add(-time.Hour)}, {ID: "liq-0", CreatedAt: day1}})
	require.NoError(t, err)
	b.objects[ArchivePath(day1)] = prior

	store := memory.New()
	seed(t, store, day1)

	_, err = NewArchiver(b, b, store.Liquidations(), nil).ArchiveLiquidations(ctx, day1.Add(time.Hour))
	require.NoError(t, err)

	lines := b.lines(t, ArchivePath(day1))
	require.Len(t, lines, 2)
	assert.Equal(t, "old", lines[0].ID)
	assert.Equal(t, "liq-0", lines[1].ID)
}

func TestArchiver_UploadFailureKeepsRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, day1)
	b := newBlobs()
	b.failPut = true

	_, err := NewArchiver(b, b, store.Liquidations(), nil).ArchiveLiquidations(ctx, day1.Add(time.Hour))
	require.Error(t, err)

	left, err := store.Liquidations().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestArchiver_Empty(t *testing.T) {
	b := newBlobs()
	n, err := NewArchiver(b, b, memory.New().Liquidations(), nil).ArchiveLiquidations(context.Background(), day1)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, b.objects)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", endpointURL("e2.example.com", true))
	assert.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
	assert.Equal(t, "http://minio:9000", endpointURL("http://minio:9000/", true))
}
