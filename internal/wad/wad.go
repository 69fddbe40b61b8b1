// Package wad implements the 18-decimal fixed-point arithmetic used for
// rates, fractions, prices and values. Every product is computed through a
// 512-bit intermediate and reports domain.ErrOverflow instead of wrapping.
package wad

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// Decimals is the number of fractional digits in a WAD.
const Decimals = 18

var (
	// One is 1.0 in WAD.
	One = uint256.NewInt(1_000_000_000_000_000_000)

	errDivByZero = errors.New("wad: division by zero")
)

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// MulDiv returns floor(x*y/d).
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errDivByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("wad: %s*%s/%s: %w", x.Dec(), y.Dec(), d.Dec(), domain.ErrOverflow)
	}
	return z, nil
}

// Mul returns floor(x*y/WAD).
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, One)
}

// Div returns floor(x*WAD/y).
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, One, y)
}

// Add returns x+y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("wad: %s+%s: %w", x.Dec(), y.Dec(), domain.ErrOverflow)
	}
	return z, nil
}

// SubFloor returns x-y, or zero when y > x.
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return Zero()
	}
	return new(uint256.Int).Sub(x, y)
}

// CmpProducts compares a*b with c*d exactly and returns -1, 0 or +1.
func CmpProducts(a, b, c, d *uint256.Int) int {
	left := new(big.Int).Mul(a.ToBig(), b.ToBig())
	right := new(big.Int).Mul(c.ToBig(), d.ToBig())
	return left.Cmp(right)
}

// Value converts an amount in base units to quote value:
// amount * price / 10^decimals.
func Value(amount, price *uint256.Int, decimals uint8) (*uint256.Int, error) {
	return MulDiv(amount, price, Pow10(decimals))
}

// Amount converts a quote value back to base units, rounding down:
// value * 10^decimals / price.
func Amount(value, price *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, fmt.Errorf("wad: zero price: %w", errDivByZero)
	}
	return MulDiv(value, Pow10(decimals), price)
}

// FromDecimal converts a non-negative decimal to an integer scaled by
// 10^scale. Inputs with more fractional digits than scale are rejected.
func FromDecimal(d decimal.Decimal, scale int32) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("wad: negative value %s", d.String())
	}
	shifted := d.Shift(scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("wad: %s has more than %d fractional digits", d.String(), scale)
	}
	z, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("wad: %s: %w", d.String(), domain.ErrOverflow)
	}
	return z, nil
}

// Parse converts a decimal string such as "0.85" to WAD.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("wad: parse %q: %w", s, err)
	}
	return FromDecimal(d, Decimals)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}

// ToDecimal renders x, scaled by 10^scale, as a decimal.
func ToDecimal(x *uint256.Int, scale int32) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -scale)
}

// String renders a WAD value as a plain decimal string.
func String(x *uint256.Int) string {
	return ToDecimal(x, Decimals).String()
}
