// Package lending implements the liquidation core: interest accrual, health
// evaluation and the liquidation engine.
package lending

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

// SecondsPerYear is the compounding period denominator for annual rates.
const SecondsPerYear = 365 * 24 * 60 * 60

var (
	secondsPerYear = uint256.NewInt(SecondsPerYear)
	two            = uint256.NewInt(2)
	six            = uint256.NewInt(6)
)

// Clock returns the current time. Engines and accrual take one so tests can
// pin time.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// CompoundedInterest returns the WAD growth factor of an annual WAD rate
// compounded every second for elapsed seconds, using the binomial
// approximation 1 + n*r + n(n-1)/2*r^2 + n(n-1)(n-2)/6*r^3 with r the
// per-second rate.
func CompoundedInterest(rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	if elapsed == 0 || rate.IsZero() {
		return wad.One.Clone(), nil
	}

	n := uint256.NewInt(elapsed)
	nm1 := uint256.NewInt(elapsed - 1)
	nm2 := uint256.NewInt(0)
	if elapsed > 1 {
		nm2.SetUint64(elapsed - 2)
	}

	rps := new(uint256.Int).Div(rate, secondsPerYear)
	rps2, err := wad.Mul(rps, rps)
	if err != nil {
		return nil, fmt.Errorf("lending: compound rate power 2: %w", err)
	}
	rps3, err := wad.Mul(rps2, rps)
	if err != nil {
		return nil, fmt.Errorf("lending: compound rate power 3: %w", err)
	}

	t1, overflow := new(uint256.Int).MulOverflow(n, rps)
	if overflow {
		return nil, fmt.Errorf("lending: compound term 1: %w", domain.ErrOverflow)
	}

	nn := new(uint256.Int).Mul(n, nm1) // < 2^128
	t2, err := wad.MulDiv(nn, rps2, two)
	if err != nil {
		return nil, err
	}

	nnn, overflow := new(uint256.Int).MulOverflow(nn, nm2)
	if overflow {
		return nil, fmt.Errorf("lending: compound term 3: %w", domain.ErrOverflow)
	}
	t3, err := wad.MulDiv(nnn, rps3, six)
	if err != nil {
		return nil, err
	}

	factor, err := wad.Add(wad.One, t1)
	if err != nil {
		return nil, err
	}
	if factor, err = wad.Add(factor, t2); err != nil {
		return nil, err
	}
	return wad.Add(factor, t3)
}

// AccrueAt applies rate to principal over the whole seconds between
// lastUpdate and now. Both times are compared at second resolution; it fails
// with ErrInvalidTimeOrdering when now falls in an earlier second than
// lastUpdate.
func AccrueAt(principal, rate *uint256.Int, lastUpdate, now time.Time) (*uint256.Int, error) {
	if now.Unix() < lastUpdate.Unix() {
		return nil, fmt.Errorf("lending: now %s before last update %s: %w",
			now.UTC().Format(time.RFC3339), lastUpdate.UTC().Format(time.RFC3339), domain.ErrInvalidTimeOrdering)
	}
	if principal.IsZero() {
		return wad.Zero(), nil
	}

	elapsed := now.Unix() - lastUpdate.Unix()
	factor, err := CompoundedInterest(rate, uint64(elapsed))
	if err != nil {
		return nil, err
	}
	out, err := wad.Mul(principal, factor)
	if err != nil {
		return nil, fmt.Errorf("lending: accrue principal %s: %w", principal.Dec(), err)
	}
	return out, nil
}

// Accrue is accrue(principal, rate, last_update) -> (new_principal, now),
// reading now from clock truncated to whole seconds. It has no side effects.
func Accrue(principal, rate *uint256.Int, lastUpdate time.Time, clock Clock) (*uint256.Int, time.Time, error) {
	now := clock().UTC().Truncate(time.Second)
	out, err := AccrueAt(principal, rate, lastUpdate, now)
	if err != nil {
		return nil, time.Time{}, err
	}
	return out, now, nil
}
