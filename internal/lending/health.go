package lending

import (
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lendliq/internal/wad"
)

// HealthFactor is the threshold-weighted collateral value over debt value.
// Value is WAD-scaled and nil when the position carries no debt.
type HealthFactor struct {
	Value        *uint256.Int
	Liquidatable bool
}

// NoDebt reports whether the factor is unbounded because debt is zero.
func (h HealthFactor) NoDebt() bool { return h.Value == nil }

func (h HealthFactor) String() string {
	if h.NoDebt() {
		return "inf"
	}
	return wad.String(h.Value)
}

// Evaluate classifies a position from its accrued, price-converted values.
// Classification compares collateralValue*threshold with debtValue*WAD
// exactly; Value is a rounded-down report and never used to classify.
func Evaluate(collateralValue, debtValue, threshold *uint256.Int) HealthFactor {
	if debtValue.IsZero() {
		return HealthFactor{}
	}

	liquidatable := wad.CmpProducts(collateralValue, threshold, debtValue, wad.One) < 0

	value, err := wad.MulDiv(collateralValue, threshold, debtValue)
	if err != nil {
		// Only reachable for tiny debt against huge collateral.
		value = new(uint256.Int).SetAllOne()
	}
	return HealthFactor{Value: value, Liquidatable: liquidatable}
}
