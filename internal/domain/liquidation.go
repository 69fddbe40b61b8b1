package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// LiquidationRequest is the caller-facing liquidate operation. The
// authorization has already been verified by the caller's transport.
type LiquidationRequest struct {
	LiquidatorID      string
	UserID            string
	CollateralAssetID string
	BorrowedAssetID   string
	Authorization     Authorization
}

// LiquidationRecord is the persisted outcome of a successful liquidation.
type LiquidationRecord struct {
	ID                string       `json:"id"`
	LiquidatorID      string       `json:"liquidator_id"`
	UserID            string       `json:"user_id"`
	CollateralAssetID string       `json:"collateral_asset_id"`
	BorrowedAssetID   string       `json:"borrowed_asset_id"`
	RepayAmount       *uint256.Int `json:"repay_amount"`
	RepayValue        *uint256.Int `json:"repay_value"`
	SeizeAmount       *uint256.Int `json:"seize_amount"`
	SeizeValue        *uint256.Int `json:"seize_value"`
	HealthFactor      *uint256.Int `json:"health_factor"`
	CollateralPrice   *uint256.Int `json:"collateral_price"`
	BorrowedPrice     *uint256.Int `json:"borrowed_price"`
	Shortfall         bool         `json:"shortfall"`
	ShortfallValue    *uint256.Int `json:"shortfall_value"`
	CreatedAt         time.Time    `json:"created_at"`
}

// LegUpdate is the new state of one side of a position after a liquidation,
// together with the state it was computed from.
type LegUpdate struct {
	AssetID       string
	PrevPrincipal *uint256.Int
	PrevUpdatedAt time.Time
	NewPrincipal  *uint256.Int
	UpdatedAt     time.Time
	// Interest is the accrued interest folded into the bank total; Removed is
	// the amount that left the position (repaid or seized).
	Interest *uint256.Int
	Removed  *uint256.Int
}

// LedgerMutation is applied atomically after both transfers succeed.
type LedgerMutation struct {
	UserID     string
	Collateral LegUpdate // deposit side, collateral asset
	Borrowed   LegUpdate // borrow side, borrowed asset
	Record     LiquidationRecord
}
