package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

// TransferExecutor runs a liquidation's repay and seize legs as one
// all-or-nothing unit, and can undo a pair that already succeeded.
type TransferExecutor interface {
	ExecutePair(ctx context.Context, repay, seize domain.Transfer) error
	RevertPair(ctx context.Context, repay, seize domain.Transfer) error
}

// Config holds the engine's policy knobs.
type Config struct {
	// MaxStaleness bounds the age of both oracle prices.
	MaxStaleness time.Duration
	// LockTTL bounds how long one attempt may hold a position lock.
	LockTTL time.Duration
	// StrictSeizure fails with ErrInsufficientReserve instead of clamping a
	// seizure to the available collateral.
	StrictSeizure bool
	// AuthorityID is the program authority that signs reserve debits.
	AuthorityID string
}

const revertTimeout = 15 * time.Second

// Engine executes liquidations against a ledger.
type Engine struct {
	ledger    domain.Ledger
	oracle    domain.Oracle
	transfers TransferExecutor
	locks     domain.LockManager
	cfg       Config
	clock     Clock
	logger    *slog.Logger
}

// NewEngine creates an Engine. It uses the system clock unless WithClock is
// called.
func NewEngine(
	ledger domain.Ledger,
	oracle domain.Oracle,
	transfers TransferExecutor,
	locks domain.LockManager,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Engine{
		ledger:    ledger,
		oracle:    oracle,
		transfers: transfers,
		locks:     locks,
		cfg:       cfg,
		clock:     SystemClock,
		logger:    logger.With(slog.String("component", "engine")),
	}
}

// WithClock replaces the engine clock.
func (e *Engine) WithClock(c Clock) *Engine {
	e.clock = c
	return e
}

// Quote is the evaluated state of one (collateral, borrowed) pair and, when
// liquidatable, the sizing a liquidation would use.
type Quote struct {
	UserID     string
	Collateral domain.PricedValue
	Debt       domain.PricedValue
	Threshold  *uint256.Int
	Health     HealthFactor
	Now        time.Time

	RepayAmount    *uint256.Int
	RepayValue     *uint256.Int
	SeizeAmount    *uint256.Int
	SeizeValue     *uint256.Int
	Shortfall      bool
	ShortfallValue *uint256.Int
}

// snapshot is the ledger state one attempt reads.
type snapshot struct {
	userID         string
	collateralBank domain.Bank
	borrowedBank   domain.Bank
	collateralPos  domain.AssetPosition
	borrowedPos    domain.AssetPosition
}

// Quote evaluates the pair without locking, transferring or mutating.
// A safe position returns a Quote with no sizing and a nil error.
func (e *Engine) Quote(ctx context.Context, userID, collateralAssetID, borrowedAssetID string) (Quote, error) {
	if err := validatePair(userID, collateralAssetID, borrowedAssetID); err != nil {
		return Quote{}, err
	}
	snap, err := e.load(ctx, userID, collateralAssetID, borrowedAssetID)
	if err != nil {
		return Quote{}, err
	}
	q, err := e.evaluate(ctx, snap)
	if err != nil {
		return Quote{}, err
	}
	if !q.Health.Liquidatable {
		return q, nil
	}
	return e.size(q, snap)
}

// Liquidate runs one liquidation attempt. It either completes every step or
// leaves the ledger untouched.
func (e *Engine) Liquidate(ctx context.Context, req domain.LiquidationRequest) (domain.LiquidationRecord, error) {
	if err := validatePair(req.UserID, req.CollateralAssetID, req.BorrowedAssetID); err != nil {
		return domain.LiquidationRecord{}, err
	}
	if req.LiquidatorID == "" {
		return domain.LiquidationRecord{}, fmt.Errorf("%w: empty liquidator id", domain.ErrInvalidRequest)
	}

	unlock, err := e.locks.Acquire(ctx, PositionLockKey(req.UserID), e.cfg.LockTTL)
	if err != nil {
		return domain.LiquidationRecord{}, fmt.Errorf("engine: lock position %s: %w", req.UserID, err)
	}
	defer unlock()

	snap, err := e.load(ctx, req.UserID, req.CollateralAssetID, req.BorrowedAssetID)
	if err != nil {
		return domain.LiquidationRecord{}, err
	}

	q, err := e.evaluate(ctx, snap)
	if err != nil {
		return domain.LiquidationRecord{}, err
	}
	if !q.Health.Liquidatable {
		return domain.LiquidationRecord{}, fmt.Errorf("engine: user %s health %s: %w",
			req.UserID, q.Health, domain.ErrNotUnderCollateralized)
	}

	q, err = e.size(q, snap)
	if err != nil {
		return domain.LiquidationRecord{}, err
	}

	repay := domain.Transfer{
		From:          req.LiquidatorID,
		To:            domain.ReserveAccount(req.BorrowedAssetID),
		AssetID:       req.BorrowedAssetID,
		Amount:        q.RepayAmount,
		Authorization: req.Authorization,
	}
	seize := domain.Transfer{
		From:          domain.ReserveAccount(req.CollateralAssetID),
		To:            req.LiquidatorID,
		AssetID:       req.CollateralAssetID,
		Amount:        q.SeizeAmount,
		Authorization: domain.Authorization{Kind: domain.AuthBankAuthority, Signer: e.cfg.AuthorityID},
	}
	if err := e.transfers.ExecutePair(ctx, repay, seize); err != nil {
		return domain.LiquidationRecord{}, fmt.Errorf("engine: liquidate user %s: %w", req.UserID, err)
	}

	m := buildMutation(req, snap, q)
	if err := e.ledger.ApplyLiquidation(ctx, m); err != nil {
		e.revert(ctx, repay, seize, err)
		return domain.LiquidationRecord{}, fmt.Errorf("engine: apply liquidation for %s: %w", req.UserID, err)
	}

	e.logger.InfoContext(ctx, "engine: liquidation executed",
		slog.String("id", m.Record.ID),
		slog.String("user", req.UserID),
		slog.String("liquidator", req.LiquidatorID),
		slog.String("collateral", req.CollateralAssetID),
		slog.String("borrowed", req.BorrowedAssetID),
		slog.String("repay_amount", q.RepayAmount.Dec()),
		slog.String("seize_amount", q.SeizeAmount.Dec()),
		slog.String("health_factor", q.Health.String()),
		slog.Bool("shortfall", q.Shortfall),
	)
	return m.Record, nil
}

// PositionLockKey is the lock serializing attempts against one user.
func PositionLockKey(userID string) string {
	return "position:" + userID
}

func validatePair(userID, collateralAssetID, borrowedAssetID string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: empty user id", domain.ErrInvalidRequest)
	case collateralAssetID == "" || borrowedAssetID == "":
		return fmt.Errorf("%w: empty asset id", domain.ErrInvalidRequest)
	case collateralAssetID == borrowedAssetID:
		return fmt.Errorf("%w: collateral and borrowed asset are both %s", domain.ErrInvalidRequest, collateralAssetID)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, userID, collateralAssetID, borrowedAssetID string) (snapshot, error) {
	snap := snapshot{userID: userID}
	var err error

	if snap.collateralBank, err = e.ledger.Bank(ctx, collateralAssetID); err != nil {
		return snapshot{}, fmt.Errorf("engine: load bank %s: %w", collateralAssetID, err)
	}
	if snap.borrowedBank, err = e.ledger.Bank(ctx, borrowedAssetID); err != nil {
		return snapshot{}, fmt.Errorf("engine: load bank %s: %w", borrowedAssetID, err)
	}
	for _, b := range []domain.Bank{snap.collateralBank, snap.borrowedBank} {
		if err := b.Validate(); err != nil {
			return snapshot{}, fmt.Errorf("engine: %w", err)
		}
	}
	if snap.collateralPos, err = e.ledger.Position(ctx, userID, collateralAssetID); err != nil {
		return snapshot{}, fmt.Errorf("engine: load position %s/%s: %w", userID, collateralAssetID, err)
	}
	if snap.borrowedPos, err = e.ledger.Position(ctx, userID, borrowedAssetID); err != nil {
		return snapshot{}, fmt.Errorf("engine: load position %s/%s: %w", userID, borrowedAssetID, err)
	}
	return snap, nil
}

// evaluate fetches prices, re-accrues both legs, converts them to value and
// classifies the position.
func (e *Engine) evaluate(ctx context.Context, snap snapshot) (Quote, error) {
	colID := snap.collateralBank.AssetID
	borID := snap.borrowedBank.AssetID

	colPrice, err := e.oracle.GetPrice(ctx, colID, e.cfg.MaxStaleness)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: price %s: %w", colID, err)
	}
	borPrice, err := e.oracle.GetPrice(ctx, borID, e.cfg.MaxStaleness)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: price %s: %w", borID, err)
	}

	now := e.clock().UTC().Truncate(time.Second)
	colAccrued, err := AccrueAt(snap.collateralPos.Deposited, snap.collateralBank.InterestRate,
		snap.collateralPos.LastDepositUpdate, now)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: accrue deposit %s: %w", colID, err)
	}
	borAccrued, err := AccrueAt(snap.borrowedPos.Borrowed, snap.borrowedBank.InterestRate,
		snap.borrowedPos.LastBorrowUpdate, now)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: accrue borrow %s: %w", borID, err)
	}

	colValue, err := wad.Value(colAccrued, colPrice.Value, snap.collateralBank.Decimals)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: value %s: %w", colID, err)
	}
	debtValue, err := wad.Value(borAccrued, borPrice.Value, snap.borrowedBank.Decimals)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: value %s: %w", borID, err)
	}

	threshold := snap.collateralBank.LiquidationThreshold
	return Quote{
		UserID: snap.userID,
		Collateral: domain.PricedValue{
			AssetID: colID, Principal: colAccrued, UnitPrice: colPrice.Value, Value: colValue,
		},
		Debt: domain.PricedValue{
			AssetID: borID, Principal: borAccrued, UnitPrice: borPrice.Value, Value: debtValue,
		},
		Threshold: threshold,
		Health:    Evaluate(colValue, debtValue, threshold),
		Now:       now,
	}, nil
}

// size computes the repay and seize legs. All rounding favours the protocol.
func (e *Engine) size(q Quote, snap snapshot) (Quote, error) {
	bb, cb := snap.borrowedBank, snap.collateralBank

	repay, err := wad.Mul(q.Debt.Principal, bb.CloseFactor)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: size repay: %w", err)
	}
	if repay.IsZero() {
		return Quote{}, fmt.Errorf("engine: debt %s %s: %w", q.Debt.Principal.Dec(), bb.AssetID, domain.ErrLiquidationTooSmall)
	}
	repayValue, err := wad.Value(repay, q.Debt.UnitPrice, bb.Decimals)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: size repay value: %w", err)
	}

	// The bonus belongs to the collateral bank being seized from.
	bonusFactor, err := wad.Add(wad.One, cb.LiquidationBonus)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: size bonus: %w", err)
	}
	seizeValue, err := wad.Mul(repayValue, bonusFactor)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: size seize value: %w", err)
	}
	seize, err := wad.Amount(seizeValue, q.Collateral.UnitPrice, cb.Decimals)
	if err != nil {
		return Quote{}, fmt.Errorf("engine: size seize: %w", err)
	}

	q.RepayAmount = repay
	q.RepayValue = repayValue
	q.SeizeValue = seizeValue
	q.ShortfallValue = wad.Zero()

	if seize.Gt(q.Collateral.Principal) {
		if e.cfg.StrictSeizure {
			return Quote{}, fmt.Errorf("engine: seize %s exceeds collateral %s %s: %w",
				seize.Dec(), q.Collateral.Principal.Dec(), cb.AssetID, domain.ErrInsufficientReserve)
		}
		seize = q.Collateral.Principal.Clone()
		q.Shortfall = true
		q.ShortfallValue = wad.SubFloor(seizeValue, q.Collateral.Value)
	}
	if seize.IsZero() {
		return Quote{}, fmt.Errorf("engine: no %s collateral to seize: %w", cb.AssetID, domain.ErrInsufficientReserve)
	}
	q.SeizeAmount = seize
	return q, nil
}

func buildMutation(req domain.LiquidationRequest, snap snapshot, q Quote) domain.LedgerMutation {
	colPrev := snap.collateralPos.Deposited
	borPrev := snap.borrowedPos.Borrowed

	return domain.LedgerMutation{
		UserID: req.UserID,
		Collateral: domain.LegUpdate{
			AssetID:       req.CollateralAssetID,
			PrevPrincipal: colPrev,
			PrevUpdatedAt: snap.collateralPos.LastDepositUpdate,
			NewPrincipal:  new(uint256.Int).Sub(q.Collateral.Principal, q.SeizeAmount),
			UpdatedAt:     q.Now,
			Interest:      wad.SubFloor(q.Collateral.Principal, colPrev),
			Removed:       q.SeizeAmount,
		},
		Borrowed: domain.LegUpdate{
			AssetID:       req.BorrowedAssetID,
			PrevPrincipal: borPrev,
			PrevUpdatedAt: snap.borrowedPos.LastBorrowUpdate,
			NewPrincipal:  new(uint256.Int).Sub(q.Debt.Principal, q.RepayAmount),
			UpdatedAt:     q.Now,
			Interest:      wad.SubFloor(q.Debt.Principal, borPrev),
			Removed:       q.RepayAmount,
		},
		Record: domain.LiquidationRecord{
			ID:                uuid.NewString(),
			LiquidatorID:      req.LiquidatorID,
			UserID:            req.UserID,
			CollateralAssetID: req.CollateralAssetID,
			BorrowedAssetID:   req.BorrowedAssetID,
			RepayAmount:       q.RepayAmount,
			RepayValue:        q.RepayValue,
			SeizeAmount:       q.SeizeAmount,
			SeizeValue:        q.SeizeValue,
			HealthFactor:      q.Health.Value,
			CollateralPrice:   q.Collateral.UnitPrice,
			BorrowedPrice:     q.Debt.UnitPrice,
			Shortfall:         q.Shortfall,
			ShortfallValue:    q.ShortfallValue,
			CreatedAt:         q.Now,
		},
	}
}

// revert undoes a transfer pair whose ledger mutation failed. It runs on a
// detached context so a cancelled caller cannot strand funds.
func (e *Engine) revert(ctx context.Context, repay, seize domain.Transfer, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
	defer cancel()

	if err := e.transfers.RevertPair(rctx, repay, seize); err != nil {
		e.logger.ErrorContext(ctx, "engine: revert after ledger failure failed, manual reconciliation required",
			slog.String("liquidator", repay.From),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	level := slog.LevelWarn
	if errors.Is(cause, domain.ErrConflict) {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "engine: transfers reverted after ledger failure",
		slog.String("liquidator", repay.From),
		slog.String("cause", cause.Error()),
	)
}
