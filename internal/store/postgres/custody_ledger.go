package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// CustodyLedger implements domain.BatchCustody on the custody_balances
// table. Every applied transfer is journaled in custody_transfers.
type CustodyLedger struct {
	pool        *pgxpool.Pool
	authorityID string
}

// NewCustodyLedger creates a CustodyLedger. authorityID is the only signer
// allowed to debit reserve accounts.
func NewCustodyLedger(pool *pgxpool.Pool, authorityID string) *CustodyLedger {
	return &CustodyLedger{pool: pool, authorityID: authorityID}
}

// Transfer implements domain.Custody.
func (c *CustodyLedger) Transfer(ctx context.Context, t domain.Transfer) error {
	err := c.TransferBatch(ctx, []domain.Transfer{t})
	var be *domain.BatchTransferError
	if errors.As(err, &be) {
		return be.Err
	}
	return err
}

// TransferBatch implements domain.BatchCustody: all transfers commit in one
// transaction or none do.
func (c *CustodyLedger) TransferBatch(ctx context.Context, ts []domain.Transfer) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin custody tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, t := range ts {
		if err := c.apply(ctx, tx, t); err != nil {
			return &domain.BatchTransferError{Index: i, Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit custody tx: %w", err)
	}
	return nil
}

func (c *CustodyLedger) apply(ctx context.Context, tx pgx.Tx, t domain.Transfer) error {
	if t.Amount == nil || t.Amount.IsZero() {
		return fmt.Errorf("postgres: %w: zero transfer amount", domain.ErrInvalidRequest)
	}
	if err := t.Authorized(c.authorityID); err != nil {
		return err
	}
	amount := numArg(t.Amount)

	tag, err := tx.Exec(ctx,
		`UPDATE custody_balances SET balance = balance - $3::numeric
		 WHERE account = $1 AND asset_id = $2 AND balance >= $3::numeric`,
		t.From, t.AssetID, amount)
	if err != nil {
		return fmt.Errorf("postgres: debit %s %s: %w", t.From, t.AssetID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: %s cannot cover %s %s: %w", t.From, amount, t.AssetID, domain.ErrInsufficientFunds)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO custody_balances (account, asset_id, balance) VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (account, asset_id) DO UPDATE SET balance = custody_balances.balance + EXCLUDED.balance`,
		t.To, t.AssetID, amount); err != nil {
		return fmt.Errorf("postgres: credit %s %s: %w", t.To, t.AssetID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO custody_transfers (from_account, to_account, asset_id, amount, auth_kind, auth_signer)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		t.From, t.To, t.AssetID, amount, string(t.Authorization.Kind), t.Authorization.Signer); err != nil {
		return fmt.Errorf("postgres: journal transfer: %w", err)
	}
	return nil
}

// Balance returns an account balance, zero when the account is unknown.
func (c *CustodyLedger) Balance(ctx context.Context, account, assetID string) (*uint256.Int, error) {
	var s string
	err := c.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT balance FROM custody_balances WHERE account = $1 AND asset_id = $2), 0)::text`,
		account, assetID).Scan(&s)
	if err != nil {
		return nil, fmt.Errorf("postgres: balance %s %s: %w", account, assetID, err)
	}
	return parseNum("balance", s)
}
