package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BankStore reads per-asset bank state.
type BankStore interface {
	Get(ctx context.Context, assetID string) (Bank, error)
	List(ctx context.Context) ([]Bank, error)
}

// PositionStore reads user positions.
type PositionStore interface {
	Get(ctx context.Context, userID, assetID string) (AssetPosition, error)
	ListByUser(ctx context.Context, userID string) (UserPosition, error)
	// ListBorrowers returns users holding at least one non-zero borrow,
	// ordered by user id.
	ListBorrowers(ctx context.Context, opts ListOpts) ([]UserPosition, error)
}

// LiquidationStore reads persisted liquidation records. Records are written
// by Ledger.ApplyLiquidation.
type LiquidationStore interface {
	List(ctx context.Context, opts ListOpts) ([]LiquidationRecord, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]LiquidationRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]LiquidationRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Ledger is the bank/position state the liquidation engine reads and mutates.
type Ledger interface {
	Bank(ctx context.Context, assetID string) (Bank, error)
	Position(ctx context.Context, userID, assetID string) (AssetPosition, error)
	// ApplyLiquidation writes both legs, both bank totals and the record in
	// one unit. It returns ErrConflict when either leg no longer matches its
	// Prev* fields.
	ApplyLiquidation(ctx context.Context, m LedgerMutation) error
}

// AuditEntry is a single row in the audit log.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit trail.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
