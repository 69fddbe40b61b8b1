package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/lending"
)

// Pair is one (collateral, borrowed) combination of a user's position.
type Pair struct {
	Collateral string
	Borrowed   string
}

// Pairs returns every deposited x borrowed asset combination of u, skipping
// same-asset pairs, in a stable order.
func Pairs(u domain.UserPosition) []Pair {
	deposited := u.DepositedAssets()
	borrowed := u.BorrowedAssets()
	sort.Strings(deposited)
	sort.Strings(borrowed)

	var out []Pair
	for _, c := range deposited {
		for _, b := range borrowed {
			if c != b {
				out = append(out, Pair{Collateral: c, Borrowed: b})
			}
		}
	}
	return out
}

// PairHealth is the quote for one pair, or why it could not be quoted.
type PairHealth struct {
	Pair  Pair
	Quote lending.Quote
	Err   error
}

// PositionService serves read-only bank and position queries.
type PositionService struct {
	banks     domain.BankStore
	positions domain.PositionStore
	quoter    Liquidator
	logger    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(banks domain.BankStore, positions domain.PositionStore, quoter Liquidator, logger *slog.Logger) *PositionService {
	return &PositionService{
		banks:     banks,
		positions: positions,
		quoter:    quoter,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// Banks lists every bank.
func (s *PositionService) Banks(ctx context.Context) ([]domain.Bank, error) {
	banks, err := s.banks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list banks: %w", err)
	}
	return banks, nil
}

// Bank returns one bank.
func (s *PositionService) Bank(ctx context.Context, assetID string) (domain.Bank, error) {
	b, err := s.banks.Get(ctx, assetID)
	if err != nil {
		return domain.Bank{}, fmt.Errorf("position_service: bank %s: %w", assetID, err)
	}
	return b, nil
}

// Position returns a user's position across assets. A user with no rows is
// domain.ErrNotFound.
func (s *PositionService) Position(ctx context.Context, userID string) (domain.UserPosition, error) {
	u, err := s.positions.ListByUser(ctx, userID)
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("position_service: position %s: %w", userID, err)
	}
	if len(u.Assets) == 0 {
		return domain.UserPosition{}, fmt.Errorf("position_service: position %s: %w", userID, domain.ErrNotFound)
	}
	return u, nil
}

// Quote evaluates one pair.
func (s *PositionService) Quote(ctx context.Context, userID, collateralAssetID, borrowedAssetID string) (lending.Quote, error) {
	return s.quoter.Quote(ctx, userID, collateralAssetID, borrowedAssetID)
}

// Health quotes every pair of the user's position. Per-pair failures are
// reported in PairHealth.Err; only arithmetic failures abort.
func (s *PositionService) Health(ctx context.Context, userID string) ([]PairHealth, error) {
	u, err := s.Position(ctx, userID)
	if err != nil {
		return nil, err
	}
	pairs := Pairs(u)
	out := make([]PairHealth, 0, len(pairs))
	for _, p := range pairs {
		q, err := s.quoter.Quote(ctx, userID, p.Collateral, p.Borrowed)
		if errors.Is(err, domain.ErrOverflow) || errors.Is(err, domain.ErrInvalidTimeOrdering) {
			return nil, fmt.Errorf("position_service: health %s %s/%s: %w", userID, p.Collateral, p.Borrowed, err)
		}
		out = append(out, PairHealth{Pair: p, Quote: q, Err: err})
	}
	return out, nil
}
