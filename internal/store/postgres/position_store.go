package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `user_id, asset_id,
	deposited_principal::text, borrowed_principal::text,
	last_deposit_update, last_borrow_update`

func scanPosition(row pgx.Row) (domain.AssetPosition, error) {
	var p domain.AssetPosition
	var deposited, borrowed string

	if err := row.Scan(
		&p.UserID, &p.AssetID,
		&deposited, &borrowed,
		&p.LastDepositUpdate, &p.LastBorrowUpdate,
	); err != nil {
		return domain.AssetPosition{}, err
	}

	var n numScanner
	p.Deposited = n.parse("deposited_principal", deposited)
	p.Borrowed = n.parse("borrowed_principal", borrowed)
	if n.err != nil {
		return domain.AssetPosition{}, n.err
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.AssetPosition, error) {
	var out []domain.AssetPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns one user's position in one asset.
func (s *PositionStore) Get(ctx context.Context, userID, assetID string) (domain.AssetPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE user_id = $1 AND asset_id = $2`,
		userID, assetID)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AssetPosition{}, fmt.Errorf("postgres: position %s/%s: %w", userID, assetID, domain.ErrNotFound)
		}
		return domain.AssetPosition{}, fmt.Errorf("postgres: get position %s/%s: %w", userID, assetID, err)
	}
	return p, nil
}

// ListByUser returns every asset position held by userID.
func (s *PositionStore) ListByUser(ctx context.Context, userID string) (domain.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE user_id = $1 ORDER BY asset_id`, userID)
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("postgres: list positions for %s: %w", userID, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("postgres: scan positions for %s: %w", userID, err)
	}
	if len(positions) == 0 {
		return domain.UserPosition{}, fmt.Errorf("postgres: positions for %s: %w", userID, domain.ErrNotFound)
	}
	return group(positions)[0], nil
}

// ListBorrowers returns a page of users with at least one open borrow,
// ordered by user id, each with all of their asset positions.
func (s *PositionStore) ListBorrowers(ctx context.Context, opts domain.ListOpts) ([]domain.UserPosition, error) {
	query := `
		WITH borrowers AS (
			SELECT DISTINCT user_id FROM positions
			WHERE borrowed_principal > 0
			ORDER BY user_id`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	query += `
		)
		SELECT ` + positionSelectCols + ` FROM positions
		WHERE user_id IN (SELECT user_id FROM borrowers)
		ORDER BY user_id, asset_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list borrowers: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan borrowers: %w", err)
	}
	return group(positions), nil
}

// group folds rows ordered by user id into UserPositions.
func group(positions []domain.AssetPosition) []domain.UserPosition {
	var out []domain.UserPosition
	for _, p := range positions {
		if n := len(out); n == 0 || out[n-1].UserID != p.UserID {
			out = append(out, domain.UserPosition{UserID: p.UserID, Assets: make(map[string]domain.AssetPosition)})
		}
		out[len(out)-1].Assets[p.AssetID] = p
	}
	return out
}
