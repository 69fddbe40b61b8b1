package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/notify"
)

// ArchiveService periodically moves liquidation records older than the
// retention period to cold storage.
type ArchiveService struct {
	archiver  domain.Archiver
	notifier  *notify.Notifier
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiveService creates an ArchiveService. notifier may be nil.
func NewArchiveService(archiver domain.Archiver, notifier *notify.Notifier, interval, retention time.Duration, logger *slog.Logger) *ArchiveService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ArchiveService{
		archiver:  archiver,
		notifier:  notifier,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archive_service")),
	}
}

// WithClock replaces the clock used to compute the cutoff.
func (s *ArchiveService) WithClock(now func() time.Time) *ArchiveService {
	s.now = now
	return s
}

// Run archives once immediately and then every interval until ctx ends.
func (s *ArchiveService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "archive_service: started",
		slog.Duration("interval", s.interval),
		slog.Duration("retention", s.retention),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "archive_service: run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("archive_service: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce archives everything older than now-retention.
func (s *ArchiveService) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.archiver.ArchiveLiquidations(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archive_service: archive before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n == 0 {
		return 0, nil
	}

	s.logger.InfoContext(ctx, "archive_service: archived liquidations",
		slog.Int64("count", n),
		slog.Time("before", cutoff),
	)
	if s.notifier != nil {
		msg := notify.Message{
			Event: notify.EventArchive,
			Title: "Liquidations archived",
			Body:  fmt.Sprintf("%d records older than %s moved to object storage", n, cutoff.Format(time.RFC3339)),
		}
		if err := s.notifier.Notify(ctx, msg); err != nil {
			s.logger.WarnContext(ctx, "archive_service: notify failed", slog.String("error", err.Error()))
		}
	}
	return n, nil
}
