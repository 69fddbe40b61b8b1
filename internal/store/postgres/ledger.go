package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

const uniqueViolation = "23505"

// Ledger implements domain.Ledger on the banks, positions and liquidations
// tables.
type Ledger struct {
	pool      *pgxpool.Pool
	banks     *BankStore
	positions *PositionStore
}

// NewLedger creates a new Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		pool:      pool,
		banks:     NewBankStore(pool),
		positions: NewPositionStore(pool),
	}
}

// Bank implements domain.Ledger.
func (l *Ledger) Bank(ctx context.Context, assetID string) (domain.Bank, error) {
	return l.banks.Get(ctx, assetID)
}

// Position implements domain.Ledger.
func (l *Ledger) Position(ctx context.Context, userID, assetID string) (domain.AssetPosition, error) {
	return l.positions.Get(ctx, userID, assetID)
}

// ApplyLiquidation writes both legs, both bank totals and the record in one
// transaction. Both position rows are locked first and compared against the
// mutation's Prev* fields.
func (l *Ledger) ApplyLiquidation(ctx context.Context, m domain.LedgerMutation) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin liquidation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND asset_id = ANY($2)
		 ORDER BY asset_id
		 FOR UPDATE`,
		m.UserID, []string{m.Collateral.AssetID, m.Borrowed.AssetID})
	if err != nil {
		return fmt.Errorf("postgres: lock positions for %s: %w", m.UserID, err)
	}
	locked, err := scanPositionRows(rows)
	rows.Close()
	if err != nil {
		return fmt.Errorf("postgres: scan locked positions for %s: %w", m.UserID, err)
	}

	current := make(map[string]domain.AssetPosition, len(locked))
	for _, p := range locked {
		current[p.AssetID] = p
	}
	col, ok := current[m.Collateral.AssetID]
	if !ok {
		return fmt.Errorf("postgres: position %s/%s: %w", m.UserID, m.Collateral.AssetID, domain.ErrNotFound)
	}
	bor, ok := current[m.Borrowed.AssetID]
	if !ok {
		return fmt.Errorf("postgres: position %s/%s: %w", m.UserID, m.Borrowed.AssetID, domain.ErrNotFound)
	}
	if !col.Deposited.Eq(m.Collateral.PrevPrincipal) || !col.LastDepositUpdate.Equal(m.Collateral.PrevUpdatedAt) {
		return fmt.Errorf("postgres: deposit %s/%s changed: %w", m.UserID, m.Collateral.AssetID, domain.ErrConflict)
	}
	if !bor.Borrowed.Eq(m.Borrowed.PrevPrincipal) || !bor.LastBorrowUpdate.Equal(m.Borrowed.PrevUpdatedAt) {
		return fmt.Errorf("postgres: borrow %s/%s changed: %w", m.UserID, m.Borrowed.AssetID, domain.ErrConflict)
	}

	batch := &pgx.Batch{}
	batch.Queue(`UPDATE positions SET deposited_principal = $3::numeric, last_deposit_update = $4
		WHERE user_id = $1 AND asset_id = $2`,
		m.UserID, m.Collateral.AssetID, numArg(m.Collateral.NewPrincipal), m.Collateral.UpdatedAt)
	batch.Queue(`UPDATE positions SET borrowed_principal = $3::numeric, last_borrow_update = $4
		WHERE user_id = $1 AND asset_id = $2`,
		m.UserID, m.Borrowed.AssetID, numArg(m.Borrowed.NewPrincipal), m.Borrowed.UpdatedAt)
	batch.Queue(`UPDATE banks SET
			total_deposits = GREATEST(total_deposits + $2::numeric - $3::numeric, 0),
			updated_at = $4
		WHERE asset_id = $1`,
		m.Collateral.AssetID, numArg(m.Collateral.Interest), numArg(m.Collateral.Removed), m.Collateral.UpdatedAt)
	batch.Queue(`UPDATE banks SET
			total_borrows = GREATEST(total_borrows + $2::numeric - $3::numeric, 0),
			updated_at = $4
		WHERE asset_id = $1`,
		m.Borrowed.AssetID, numArg(m.Borrowed.Interest), numArg(m.Borrowed.Removed), m.Borrowed.UpdatedAt)

	r := m.Record
	batch.Queue(`INSERT INTO liquidations (
			id, liquidator_id, user_id, collateral_asset_id, borrowed_asset_id,
			repay_amount, repay_value, seize_amount, seize_value,
			health_factor, collateral_price, borrowed_price,
			shortfall, shortfall_value, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10::numeric, $11::numeric, $12::numeric,
			$13, $14::numeric, $15
		)`,
		r.ID, r.LiquidatorID, r.UserID, r.CollateralAssetID, r.BorrowedAssetID,
		numArg(r.RepayAmount), numArg(r.RepayValue), numArg(r.SeizeAmount), numArg(r.SeizeValue),
		numArgNullable(r.HealthFactor), numArg(r.CollateralPrice), numArg(r.BorrowedPrice),
		r.Shortfall, numArg(r.ShortfallValue), r.CreatedAt)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("postgres: liquidation %s: %w", r.ID, domain.ErrAlreadyExists)
			}
			return fmt.Errorf("postgres: apply liquidation %s step %d: %w", r.ID, i, err)
		}
		if i < 4 && tag.RowsAffected() != 1 {
			_ = br.Close()
			return fmt.Errorf("postgres: apply liquidation %s step %d touched %d rows: %w",
				r.ID, i, tag.RowsAffected(), domain.ErrConflict)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close liquidation batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit liquidation %s: %w", r.ID, err)
	}
	return nil
}
