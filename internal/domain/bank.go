package domain

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// wad is 1e18, the fixed-point unit for rates, fractions and prices.
var wad = uint256.NewInt(1_000_000_000_000_000_000)

// Bank is the per-asset reserve configuration and its aggregate totals.
// Rates and fractions are WAD-scaled; totals are in base units.
type Bank struct {
	AssetID              string       `json:"asset_id"`
	Decimals             uint8        `json:"decimals"`
	InterestRate         *uint256.Int `json:"interest_rate"`
	LiquidationThreshold *uint256.Int `json:"liquidation_threshold"`
	LiquidationBonus     *uint256.Int `json:"liquidation_bonus"`
	CloseFactor          *uint256.Int `json:"liquidation_close_factor"`
	MaxLTV               *uint256.Int `json:"max_ltv"`
	TotalDeposits        *uint256.Int `json:"total_deposits"`
	TotalBorrows         *uint256.Int `json:"total_borrows"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Validate checks the bank's parameter invariants.
func (b Bank) Validate() error {
	switch {
	case b.AssetID == "":
		return fmt.Errorf("%w: empty asset id", ErrInvalidBank)
	case b.Decimals > 36:
		return fmt.Errorf("%w: %s decimals %d out of range", ErrInvalidBank, b.AssetID, b.Decimals)
	case b.InterestRate == nil || b.LiquidationThreshold == nil ||
		b.LiquidationBonus == nil || b.CloseFactor == nil:
		return fmt.Errorf("%w: %s has unset parameters", ErrInvalidBank, b.AssetID)
	case b.LiquidationThreshold.Gt(wad):
		return fmt.Errorf("%w: %s liquidation threshold above 1", ErrInvalidBank, b.AssetID)
	case b.CloseFactor.Gt(wad):
		return fmt.Errorf("%w: %s close factor above 1", ErrInvalidBank, b.AssetID)
	case b.MaxLTV != nil && b.MaxLTV.Gt(wad):
		return fmt.Errorf("%w: %s max ltv above 1", ErrInvalidBank, b.AssetID)
	}
	return nil
}

// AssetPosition is one user's deposit and borrow principal in one asset.
type AssetPosition struct {
	UserID            string       `json:"user_id"`
	AssetID           string       `json:"asset_id"`
	Deposited         *uint256.Int `json:"deposited_principal"`
	Borrowed          *uint256.Int `json:"borrowed_principal"`
	LastDepositUpdate time.Time    `json:"last_deposit_update"`
	LastBorrowUpdate  time.Time    `json:"last_borrow_update"`
}

// UserPosition groups every asset a user participates in, keyed by asset id.
type UserPosition struct {
	UserID string                   `json:"user_id"`
	Assets map[string]AssetPosition `json:"assets"`
}

// DepositedAssets returns the asset ids with a non-zero deposit.
func (u UserPosition) DepositedAssets() []string {
	var out []string
	for id, p := range u.Assets {
		if p.Deposited != nil && !p.Deposited.IsZero() {
			out = append(out, id)
		}
	}
	return out
}

// BorrowedAssets returns the asset ids with a non-zero borrow.
func (u UserPosition) BorrowedAssets() []string {
	var out []string
	for id, p := range u.Assets {
		if p.Borrowed != nil && !p.Borrowed.IsZero() {
			out = append(out, id)
		}
	}
	return out
}

// PricedValue is an accrued principal converted to quote value. Never persisted.
type PricedValue struct {
	AssetID   string
	Principal *uint256.Int
	UnitPrice *uint256.Int
	Value     *uint256.Int
}

// Price is an oracle quote: WAD quote units per whole token.
type Price struct {
	AssetID     string
	Value       *uint256.Int
	PublishedAt time.Time
}
