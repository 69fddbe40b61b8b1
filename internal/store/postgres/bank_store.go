package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// BankStore implements domain.BankStore using PostgreSQL.
type BankStore struct {
	pool *pgxpool.Pool
}

// NewBankStore creates a new BankStore backed by the given connection pool.
func NewBankStore(pool *pgxpool.Pool) *BankStore {
	return &BankStore{pool: pool}
}

const bankSelectCols = `asset_id, decimals,
	interest_rate::text, liquidation_threshold::text, liquidation_bonus::text,
	liquidation_close_factor::text, max_ltv::text,
	total_deposits::text, total_borrows::text, updated_at`

func scanBank(row pgx.Row) (domain.Bank, error) {
	var b domain.Bank
	var decimals int16
	var rate, threshold, bonus, closeFactor, deposits, borrows string
	var maxLTV *string
	if err := row.Scan(
		&b.AssetID, &decimals,
		&rate, &threshold, &bonus,
		&closeFactor, &maxLTV,
		&deposits, &borrows, &b.UpdatedAt,
	); err != nil {
		return domain.Bank{}, err
	}

	var n numScanner
	b.Decimals = uint8(decimals)
	b.InterestRate = n.parse("interest_rate", rate)
	b.LiquidationThreshold = n.parse("liquidation_threshold", threshold)
	b.LiquidationBonus = n.parse("liquidation_bonus", bonus)
	b.CloseFactor = n.parse("liquidation_close_factor", closeFactor)
	b.MaxLTV = n.parseNullable("max_ltv", maxLTV)
	b.TotalDeposits = n.parse("total_deposits", deposits)
	b.TotalBorrows = n.parse("total_borrows", borrows)
	if n.err != nil {
		return domain.Bank{}, n.err
	}
	return b, nil
}

// Get returns the bank for assetID.
func (s *BankStore) Get(ctx context.Context, assetID string) (domain.Bank, error) {
	return getBank(ctx, s.pool, assetID)
}

// List returns every bank ordered by asset id.
func (s *BankStore) List(ctx context.Context) ([]domain.Bank, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bankSelectCols+` FROM banks ORDER BY asset_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list banks: %w", err)
	}
	defer rows.Close()

	var banks []domain.Bank
	for rows.Next() {
		b, err := scanBank(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bank: %w", err)
		}
		banks = append(banks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list banks rows: %w", err)
	}
	return banks, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBank(ctx context.Context, q querier, assetID string) (domain.Bank, error) {
	b, err := scanBank(q.QueryRow(ctx, `SELECT `+bankSelectCols+` FROM banks WHERE asset_id = $1`, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bank{}, fmt.Errorf("postgres: bank %s: %w", assetID, domain.ErrNotFound)
		}
		return domain.Bank{}, fmt.Errorf("postgres: get bank %s: %w", assetID, err)
	}
	return b, nil
}
