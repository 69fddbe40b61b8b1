// Package view renders ledger types as JSON-safe documents. Base-unit
// amounts are integer strings; WAD fractions, prices and values are decimal
// strings.
package view

import (
	"sort"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/lending"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

// Liquidation is the external form of a LiquidationRecord. It is the API
// response, the event payload and the archive line.
type Liquidation struct {
	ID                string    `json:"id"`
	LiquidatorID      string    `json:"liquidator_id"`
	UserID            string    `json:"user_id"`
	CollateralAssetID string    `json:"collateral_asset_id"`
	BorrowedAssetID   string    `json:"borrowed_asset_id"`
	RepayAmount       string    `json:"repay_amount"`
	RepayValue        string    `json:"repay_value"`
	SeizeAmount       string    `json:"seize_amount"`
	SeizeValue        string    `json:"seize_value"`
	HealthFactor      string    `json:"health_factor"`
	CollateralPrice   string    `json:"collateral_price"`
	BorrowedPrice     string    `json:"borrowed_price"`
	Shortfall         bool      `json:"shortfall"`
	ShortfallValue    string    `json:"shortfall_value"`
	CreatedAt         time.Time `json:"created_at"`
}

// FromLiquidation converts r.
func FromLiquidation(r domain.LiquidationRecord) Liquidation {
	return Liquidation{
		ID:                r.ID,
		LiquidatorID:      r.LiquidatorID,
		UserID:            r.UserID,
		CollateralAssetID: r.CollateralAssetID,
		BorrowedAssetID:   r.BorrowedAssetID,
		RepayAmount:       units(r.RepayAmount),
		RepayValue:        wad.String(r.RepayValue),
		SeizeAmount:       units(r.SeizeAmount),
		SeizeValue:        wad.String(r.SeizeValue),
		HealthFactor:      wad.String(r.HealthFactor),
		CollateralPrice:   wad.String(r.CollateralPrice),
		BorrowedPrice:     wad.String(r.BorrowedPrice),
		Shortfall:         r.Shortfall,
		ShortfallValue:    wad.String(r.ShortfallValue),
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

// Liquidations converts a slice, never returning nil.
func Liquidations(rs []domain.LiquidationRecord) []Liquidation {
	out := make([]Liquidation, 0, len(rs))
	for _, r := range rs {
		out = append(out, FromLiquidation(r))
	}
	return out
}

// Bank is the external form of a Bank.
type Bank struct {
	AssetID              string    `json:"asset_id"`
	Decimals             uint8     `json:"decimals"`
	InterestRate         string    `json:"interest_rate"`
	LiquidationThreshold string    `json:"liquidation_threshold"`
	LiquidationBonus     string    `json:"liquidation_bonus"`
	CloseFactor          string    `json:"liquidation_close_factor"`
	MaxLTV               string    `json:"max_ltv,omitempty"`
	TotalDeposits        string    `json:"total_deposits"`
	TotalBorrows         string    `json:"total_borrows"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// FromBank converts b.
func FromBank(b domain.Bank) Bank {
	v := Bank{
		AssetID:              b.AssetID,
		Decimals:             b.Decimals,
		InterestRate:         wad.String(b.InterestRate),
		LiquidationThreshold: wad.String(b.LiquidationThreshold),
		LiquidationBonus:     wad.String(b.LiquidationBonus),
		CloseFactor:          wad.String(b.CloseFactor),
		TotalDeposits:        units(b.TotalDeposits),
		TotalBorrows:         units(b.TotalBorrows),
		UpdatedAt:            b.UpdatedAt.UTC(),
	}
	if b.MaxLTV != nil {
		v.MaxLTV = wad.String(b.MaxLTV)
	}
	return v
}

// AssetPosition is one asset of a user's position.
type AssetPosition struct {
	AssetID           string    `json:"asset_id"`
	Deposited         string    `json:"deposited_principal"`
	Borrowed          string    `json:"borrowed_principal"`
	LastDepositUpdate time.Time `json:"last_deposit_update"`
	LastBorrowUpdate  time.Time `json:"last_borrow_update"`
}

// Position is a user's position across assets, ordered by asset id.
type Position struct {
	UserID string          `json:"user_id"`
	Assets []AssetPosition `json:"assets"`
}

// FromPosition converts u.
func FromPosition(u domain.UserPosition) Position {
	ids := make([]string, 0, len(u.Assets))
	for id := range u.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	v := Position{UserID: u.UserID, Assets: make([]AssetPosition, 0, len(ids))}
	for _, id := range ids {
		p := u.Assets[id]
		v.Assets = append(v.Assets, AssetPosition{
			AssetID:           id,
			Deposited:         units(p.Deposited),
			Borrowed:          units(p.Borrowed),
			LastDepositUpdate: p.LastDepositUpdate.UTC(),
			LastBorrowUpdate:  p.LastBorrowUpdate.UTC(),
		})
	}
	return v
}

// Leg is one priced side of a quote.
type Leg struct {
	AssetID   string `json:"asset_id"`
	Principal string `json:"principal"`
	Price     string `json:"price"`
	Value     string `json:"value"`
}

// Quote is a pair's health and, when liquidatable, its sizing.
type Quote struct {
	UserID         string    `json:"user_id"`
	Collateral     Leg       `json:"collateral"`
	Debt           Leg       `json:"debt"`
	Threshold      string    `json:"liquidation_threshold"`
	HealthFactor   string    `json:"health_factor"`
	Liquidatable   bool      `json:"liquidatable"`
	RepayAmount    string    `json:"repay_amount,omitempty"`
	RepayValue     string    `json:"repay_value,omitempty"`
	SeizeAmount    string    `json:"seize_amount,omitempty"`
	SeizeValue     string    `json:"seize_value,omitempty"`
	Shortfall      bool      `json:"shortfall,omitempty"`
	ShortfallValue string    `json:"shortfall_value,omitempty"`
	AsOf           time.Time `json:"as_of"`
}

// FromQuote converts q. Sizing fields are empty for a safe position.
func FromQuote(q lending.Quote) Quote {
	v := Quote{
		UserID:       q.UserID,
		Collateral:   leg(q.Collateral),
		Debt:         leg(q.Debt),
		Threshold:    wad.String(q.Threshold),
		HealthFactor: q.Health.String(),
		Liquidatable: q.Health.Liquidatable,
		AsOf:         q.Now.UTC(),
	}
	if q.RepayAmount != nil {
		v.RepayAmount = units(q.RepayAmount)
		v.RepayValue = wad.String(q.RepayValue)
		v.SeizeAmount = units(q.SeizeAmount)
		v.SeizeValue = wad.String(q.SeizeValue)
		v.Shortfall = q.Shortfall
		if q.Shortfall {
			v.ShortfallValue = wad.String(q.ShortfallValue)
		}
	}
	return v
}

func leg(p domain.PricedValue) Leg {
	return Leg{
		AssetID:   p.AssetID,
		Principal: units(p.Principal),
		Price:     wad.String(p.UnitPrice),
		Value:     wad.String(p.Value),
	}
}

func units(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}
