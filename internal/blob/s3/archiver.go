package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/view"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 64 * 1024 * 1024
)

// LiquidationSource is the part of domain.LiquidationStore the archiver
// needs.
type LiquidationSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.LiquidationRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves liquidation records older than a cutoff into one JSONL
// object per UTC day, archive/liquidations/YYYY-MM-DD.jsonl. Records leave
// the store only after every day file has been written. A day file that
// already exists is merged, keyed by record id, so reruns are idempotent.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	records LiquidationSource
	audit   domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, records LiquidationSource, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, reader: reader, records: records, audit: audit}
}

// ArchiveLiquidations implements domain.Archiver. It returns the number of
// records deleted from the store.
func (a *Archiver) ArchiveLiquidations(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.records.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	days := groupByDay(recs)
	paths := make([]string, 0, len(days))
	for day, lines := range days {
		path := ArchivePath(day)
		if err := a.writeDay(ctx, path, lines); err != nil {
			return 0, err
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	deleted, err := a.records.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive delete: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.liquidations", map[string]any{
			"paths":    paths,
			"exported": len(recs),
			"deleted":  deleted,
			"before":   before.UTC().Format(time.RFC3339),
		}); err != nil {
			return deleted, fmt.Errorf("s3blob: archive audit: %w", err)
		}
	}
	return deleted, nil
}

// ArchivePath is the object key for one UTC day.
func ArchivePath(day time.Time) string {
	return fmt.Sprintf("archive/liquidations/%s.jsonl", day.UTC().Format("2006-01-02"))
}

func (a *Archiver) writeDay(ctx context.Context, path string, lines []view.Liquidation) error {
	existing, err := a.readDay(ctx, path)
	if err != nil {
		return err
	}
	merged := mergeByID(existing, lines)

	buf, err := marshalJSONL(merged)
	if err != nil {
		return fmt.Errorf("s3blob: archive encode %s: %w", path, err)
	}
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return nil
}

func (a *Archiver) readDay(ctx context.Context, path string) ([]view.Liquidation, error) {
	ok, err := a.reader.Exists(ctx, path)
	if err != nil || !ok {
		return nil, err
	}
	body, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer body.Close()

	lines, err := unmarshalJSONL(body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive decode %s: %w", path, err)
	}
	return lines, nil
}

func groupByDay(recs []domain.LiquidationRecord) map[time.Time][]view.Liquidation {
	days := make(map[time.Time][]view.Liquidation)
	for _, r := range recs {
		t := r.CreatedAt.UTC()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		days[day] = append(days[day], view.FromLiquidation(r))
	}
	return days
}

// mergeByID keeps the first occurrence of each id, ordered by creation time.
func mergeByID(a, b []view.Liquidation) []view.Liquidation {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]view.Liquidation, 0, len(a)+len(b))
	for _, l := range append(append([]view.Liquidation{}, a...), b...) {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL(r io.Reader) ([]view.Liquidation, error) {
	var out []view.Liquidation
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var l view.Liquidation
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, l)
	}
	return out, sc.Err()
}

var _ domain.Archiver = (*Archiver)(nil)
