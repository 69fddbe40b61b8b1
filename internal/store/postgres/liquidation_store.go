package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// LiquidationStore implements domain.LiquidationStore using PostgreSQL.
// Records are inserted by Ledger.ApplyLiquidation.
type LiquidationStore struct {
	pool *pgxpool.Pool
}

// NewLiquidationStore creates a new LiquidationStore backed by the given connection pool.
func NewLiquidationStore(pool *pgxpool.Pool) *LiquidationStore {
	return &LiquidationStore{pool: pool}
}

const liquidationSelectCols = `id, liquidator_id, user_id, collateral_asset_id, borrowed_asset_id,
	repay_amount::text, repay_value::text, seize_amount::text, seize_value::text,
	health_factor::text, collateral_price::text, borrowed_price::text,
	shortfall, shortfall_value::text, created_at`

func scanLiquidationRows(rows pgx.Rows) ([]domain.LiquidationRecord, error) {
	var out []domain.LiquidationRecord
	for rows.Next() {
		var r domain.LiquidationRecord
		var repayAmt, repayVal, seizeAmt, seizeVal, colPrice, borPrice, shortfallVal string
		var hf *string

		if err := rows.Scan(
			&r.ID, &r.LiquidatorID, &r.UserID, &r.CollateralAssetID, &r.BorrowedAssetID,
			&repayAmt, &repayVal, &seizeAmt, &seizeVal,
			&hf, &colPrice, &borPrice,
			&r.Shortfall, &shortfallVal, &r.CreatedAt,
		); err != nil {
			return nil, err
		}

		var n numScanner
		r.RepayAmount = n.parse("repay_amount", repayAmt)
		r.RepayValue = n.parse("repay_value", repayVal)
		r.SeizeAmount = n.parse("seize_amount", seizeAmt)
		r.SeizeValue = n.parse("seize_value", seizeVal)
		r.HealthFactor = n.parseNullable("health_factor", hf)
		r.CollateralPrice = n.parse("collateral_price", colPrice)
		r.BorrowedPrice = n.parse("borrowed_price", borPrice)
		r.ShortfallValue = n.parse("shortfall_value", shortfallVal)
		if n.err != nil {
			return nil, n.err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// List returns liquidation records newest first.
func (s *LiquidationStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.LiquidationRecord, error) {
	return s.list(ctx, "", opts)
}

// ListByUser returns the liquidations of one user newest first.
func (s *LiquidationStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LiquidationRecord, error) {
	return s.list(ctx, userID, opts)
}

func (s *LiquidationStore) list(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LiquidationRecord, error) {
	query := `SELECT ` + liquidationSelectCols + ` FROM liquidations WHERE 1=1`
	args := []any{}
	argIdx := 1

	if userID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, userID)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list liquidations: %w", err)
	}
	defer rows.Close()

	out, err := scanLiquidationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan liquidations: %w", err)
	}
	return out, nil
}

// ListBefore returns every record created before the cutoff, oldest first.
func (s *LiquidationStore) ListBefore(ctx context.Context, before time.Time) ([]domain.LiquidationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+liquidationSelectCols+` FROM liquidations WHERE created_at < $1 ORDER BY created_at, id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list liquidations before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	out, err := scanLiquidationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan liquidations: %w", err)
	}
	return out, nil
}

// DeleteBefore removes records created before the cutoff.
func (s *LiquidationStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM liquidations WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete liquidations before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
