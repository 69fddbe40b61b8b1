package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/lendliq/internal/crypto"
	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/lending"
	"github.com/alanyoungcy/lendliq/internal/metrics"
	"github.com/alanyoungcy/lendliq/internal/notify"
	"github.com/alanyoungcy/lendliq/internal/view"
)

// Liquidator runs and quotes liquidations. *lending.Engine implements it.
type Liquidator interface {
	Liquidate(ctx context.Context, req domain.LiquidationRequest) (domain.LiquidationRecord, error)
	Quote(ctx context.Context, userID, collateralAssetID, borrowedAssetID string) (lending.Quote, error)
}

// SignatureVerifier checks liquidation authorizations.
type SignatureVerifier interface {
	VerifyLiquidation(auth crypto.LiquidationAuth, signatureHex string) error
}

// SignedLiquidation is a liquidation request carrying its signed
// authorization.
type SignedLiquidation struct {
	Auth      crypto.LiquidationAuth `json:"authorization"`
	Signature string                 `json:"signature"`
}

// LiquidationEvent is published on the liquidations channel and stream.
type LiquidationEvent struct {
	Event       string           `json:"event"`
	Liquidation view.Liquidation `json:"liquidation"`
}

// LiquidationService authenticates liquidation requests and runs them
// through the engine, then records and announces the outcome.
type LiquidationService struct {
	engine   Liquidator
	verifier SignatureVerifier
	replay   domain.ReplayGuard
	audit    domain.AuditStore
	bus      domain.SignalBus
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewLiquidationService creates a LiquidationService. audit, bus, notifier
// and metrics may be nil.
func NewLiquidationService(
	engine Liquidator,
	verifier SignatureVerifier,
	replay domain.ReplayGuard,
	audit domain.AuditStore,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LiquidationService {
	return &LiquidationService{
		engine:   engine,
		verifier: verifier,
		replay:   replay,
		audit:    audit,
		bus:      bus,
		notifier: notifier,
		metrics:  m,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "liquidation_service")),
	}
}

// WithClock replaces the clock used for deadline checks.
func (s *LiquidationService) WithClock(now func() time.Time) *LiquidationService {
	s.now = now
	return s
}

// WithSignatureWindow rejects authorizations whose deadline lies more than
// d in the future. d should not exceed the replay guard's ttl.
func (s *LiquidationService) WithSignatureWindow(d time.Duration) *LiquidationService {
	s.window = d
	return s
}

// Submit verifies a signed request and executes it. The (liquidator, nonce)
// pair is consumed even when the attempt fails.
func (s *LiquidationService) Submit(ctx context.Context, req SignedLiquidation) (domain.LiquidationRecord, error) {
	auth := req.Auth
	liquidator, err := crypto.NormalizeAddress(auth.Liquidator)
	if err != nil {
		return domain.LiquidationRecord{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	auth.Liquidator = liquidator

	now := s.now()
	if auth.Deadline < now.Unix() {
		return domain.LiquidationRecord{}, fmt.Errorf("%w: authorization expired at %d", domain.ErrUnauthorized, auth.Deadline)
	}
	if s.window > 0 && auth.Deadline > now.Add(s.window).Unix() {
		return domain.LiquidationRecord{}, fmt.Errorf("%w: deadline %d is beyond the %s signature window",
			domain.ErrInvalidRequest, auth.Deadline, s.window)
	}
	if err := s.verifier.VerifyLiquidation(auth, req.Signature); err != nil {
		return domain.LiquidationRecord{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	if s.replay != nil {
		fresh, err := s.replay.Claim(ctx, replayKey(auth))
		if err != nil {
			return domain.LiquidationRecord{}, fmt.Errorf("liquidation_service: replay guard: %w", err)
		}
		if !fresh {
			return domain.LiquidationRecord{}, fmt.Errorf("%w: nonce %d for %s", domain.ErrReplayed, auth.Nonce, liquidator)
		}
	}

	return s.Execute(ctx, domain.LiquidationRequest{
		LiquidatorID:      liquidator,
		UserID:            auth.User,
		CollateralAssetID: auth.CollateralAsset,
		BorrowedAssetID:   auth.BorrowedAsset,
		Authorization: domain.Authorization{
			Kind:      domain.AuthLiquidatorSignature,
			Signer:    liquidator,
			Signature: req.Signature,
		},
	})
}

// Execute runs an already-authenticated request.
func (s *LiquidationService) Execute(ctx context.Context, req domain.LiquidationRequest) (domain.LiquidationRecord, error) {
	start := time.Now()
	rec, err := s.engine.Liquidate(ctx, req)
	s.metrics.ObserveLiquidation(time.Since(start), rec.Shortfall, err)

	if err != nil {
		s.logFailure(ctx, req, err)
		return domain.LiquidationRecord{}, err
	}

	s.record(ctx, rec)
	return rec, nil
}

// Quote evaluates a pair without executing.
func (s *LiquidationService) Quote(ctx context.Context, userID, collateralAssetID, borrowedAssetID string) (lending.Quote, error) {
	return s.engine.Quote(ctx, userID, collateralAssetID, borrowedAssetID)
}

// record fans a successful liquidation out to the audit log, the signal
// bus and the notifier. Failures here are logged; the liquidation stands.
func (s *LiquidationService) record(ctx context.Context, rec domain.LiquidationRecord) {
	v := view.FromLiquidation(rec)

	if s.audit != nil {
		if err := s.audit.Log(ctx, "liquidation", map[string]any{
			"id":           rec.ID,
			"liquidator":   rec.LiquidatorID,
			"user":         rec.UserID,
			"collateral":   rec.CollateralAssetID,
			"borrowed":     rec.BorrowedAssetID,
			"repay_amount": v.RepayAmount,
			"seize_amount": v.SeizeAmount,
			"shortfall":    rec.Shortfall,
		}); err != nil {
			s.logger.WarnContext(ctx, "liquidation_service: audit log failed",
				slog.String("id", rec.ID), slog.String("error", err.Error()))
		}
	}

	if s.bus != nil {
		payload, err := json.Marshal(LiquidationEvent{Event: "liquidation", Liquidation: v})
		if err == nil {
			if err := s.bus.Publish(ctx, domain.ChannelLiquidations, payload); err != nil {
				s.logger.WarnContext(ctx, "liquidation_service: publish failed",
					slog.String("id", rec.ID), slog.String("error", err.Error()))
			}
			if err := s.bus.StreamAppend(ctx, domain.StreamLiquidations, payload); err != nil {
				s.logger.WarnContext(ctx, "liquidation_service: stream append failed",
					slog.String("id", rec.ID), slog.String("error", err.Error()))
			}
		}
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyLiquidation(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "liquidation_service: notify failed",
				slog.String("id", rec.ID), slog.String("error", err.Error()))
		}
	}
}

func (s *LiquidationService) logFailure(ctx context.Context, req domain.LiquidationRequest, err error) {
	attrs := []any{
		slog.String("user", req.UserID),
		slog.String("liquidator", req.LiquidatorID),
		slog.String("collateral", req.CollateralAssetID),
		slog.String("borrowed", req.BorrowedAssetID),
		slog.String("error", err.Error()),
	}
	switch {
	case errors.Is(err, domain.ErrNotUnderCollateralized),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrLiquidationTooSmall):
		s.logger.DebugContext(ctx, "liquidation_service: attempt rejected", attrs...)
	case errors.Is(err, domain.ErrTransferFailed):
		s.logger.ErrorContext(ctx, "liquidation_service: transfer failed", attrs...)
	default:
		s.logger.WarnContext(ctx, "liquidation_service: attempt failed", attrs...)
	}
}

func replayKey(auth crypto.LiquidationAuth) string {
	return auth.Liquidator + ":" + strconv.FormatUint(auth.Nonce, 10)
}
