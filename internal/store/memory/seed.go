package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

// Seed is the TOML document that populates a memory ledger. Fractions are
// decimal strings ("0.8"); amounts are base-unit integers.
type Seed struct {
	Banks     []SeedBank     `toml:"banks"`
	Positions []SeedPosition `toml:"positions"`
	Balances  []SeedBalance  `toml:"balances"`
}

// SeedBank is one bank entry of a Seed.
type SeedBank struct {
	AssetID              string `toml:"asset_id"`
	Decimals             uint8  `toml:"decimals"`
	InterestRate         string `toml:"interest_rate"`
	LiquidationThreshold string `toml:"liquidation_threshold"`
	LiquidationBonus     string `toml:"liquidation_bonus"`
	CloseFactor          string `toml:"close_factor"`
	MaxLTV               string `toml:"max_ltv"`
	TotalDeposits        string `toml:"total_deposits"`
	TotalBorrows         string `toml:"total_borrows"`
}

// SeedPosition is one (user, asset) position of a Seed.
type SeedPosition struct {
	UserID    string `toml:"user_id"`
	AssetID   string `toml:"asset_id"`
	Deposited string `toml:"deposited"`
	Borrowed  string `toml:"borrowed"`
}

// SeedBalance is one custody account balance of a Seed.
type SeedBalance struct {
	Account string `toml:"account"`
	AssetID string `toml:"asset_id"`
	Amount  string `toml:"amount"`
}

// LoadSeed decodes the seed file at path.
func LoadSeed(path string) (Seed, error) {
	var s Seed
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Seed{}, fmt.Errorf("memory: seed %s: %w", path, err)
	}
	return s, nil
}

// Apply writes the seed into store and custody, stamping every position
// with now truncated to whole seconds. custody may be nil.
func (s Seed) Apply(store *Store, custody *Custody, now time.Time) error {
	now = now.UTC().Truncate(time.Second)
	for _, sb := range s.Banks {
		b, err := sb.bank(now)
		if err != nil {
			return err
		}
		if err := b.Validate(); err != nil {
			return fmt.Errorf("memory: seed bank: %w", err)
		}
		store.PutBank(b)
	}

	for _, sp := range s.Positions {
		if _, err := store.Bank(context.Background(), sp.AssetID); err != nil {
			return fmt.Errorf("memory: seed position %s/%s: %w", sp.UserID, sp.AssetID, err)
		}
		dep, err := amount(sp.Deposited)
		if err != nil {
			return fmt.Errorf("memory: seed position %s/%s deposited: %w", sp.UserID, sp.AssetID, err)
		}
		bor, err := amount(sp.Borrowed)
		if err != nil {
			return fmt.Errorf("memory: seed position %s/%s borrowed: %w", sp.UserID, sp.AssetID, err)
		}
		store.PutPosition(domain.AssetPosition{
			UserID:            sp.UserID,
			AssetID:           sp.AssetID,
			Deposited:         dep,
			Borrowed:          bor,
			LastDepositUpdate: now,
			LastBorrowUpdate:  now,
		})
	}

	if custody == nil {
		return nil
	}
	for _, bal := range s.Balances {
		amt, err := amount(bal.Amount)
		if err != nil {
			return fmt.Errorf("memory: seed balance %s/%s: %w", bal.Account, bal.AssetID, err)
		}
		custody.SetBalance(bal.Account, bal.AssetID, amt)
	}
	return nil
}

func (sb SeedBank) bank(now time.Time) (domain.Bank, error) {
	b := domain.Bank{AssetID: sb.AssetID, Decimals: sb.Decimals, UpdatedAt: now}
	for _, f := range []struct {
		name string
		src  string
		dst  **uint256.Int
	}{
		{"interest_rate", sb.InterestRate, &b.InterestRate},
		{"liquidation_threshold", sb.LiquidationThreshold, &b.LiquidationThreshold},
		{"liquidation_bonus", sb.LiquidationBonus, &b.LiquidationBonus},
		{"close_factor", sb.CloseFactor, &b.CloseFactor},
	} {
		v, err := wad.Parse(f.src)
		if err != nil {
			return domain.Bank{}, fmt.Errorf("memory: seed bank %s %s: %w", sb.AssetID, f.name, err)
		}
		*f.dst = v
	}
	if sb.MaxLTV != "" {
		v, err := wad.Parse(sb.MaxLTV)
		if err != nil {
			return domain.Bank{}, fmt.Errorf("memory: seed bank %s max_ltv: %w", sb.AssetID, err)
		}
		b.MaxLTV = v
	}

	var err error
	if b.TotalDeposits, err = amount(sb.TotalDeposits); err != nil {
		return domain.Bank{}, fmt.Errorf("memory: seed bank %s total_deposits: %w", sb.AssetID, err)
	}
	if b.TotalBorrows, err = amount(sb.TotalBorrows); err != nil {
		return domain.Bank{}, fmt.Errorf("memory: seed bank %s total_borrows: %w", sb.AssetID, err)
	}
	return b, nil
}

// amount parses a base-unit integer; empty is zero.
func amount(s string) (*uint256.Int, error) {
	if s == "" {
		return wad.Zero(), nil
	}
	return uint256.FromDecimal(s)
}
