// Package memory implements the ledger, custody and cache interfaces in
// process. It backs the memory ledger mode and doubles as a test fixture.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

type positionKey struct {
	user  string
	asset string
}

// Store holds banks, positions, liquidation records and the audit log.
type Store struct {
	mu        sync.RWMutex
	banks     map[string]domain.Bank
	positions map[positionKey]domain.AssetPosition
	records   []domain.LiquidationRecord
	audit     []domain.AuditEntry
	nextAudit int64
	now       func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		banks:     make(map[string]domain.Bank),
		positions: make(map[positionKey]domain.AssetPosition),
		now:       time.Now,
	}
}

// PutBank inserts or replaces a bank.
func (s *Store) PutBank(b domain.Bank) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banks[b.AssetID] = cloneBank(b)
}

// PutPosition inserts or replaces one user's position in one asset.
func (s *Store) PutPosition(p domain.AssetPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[positionKey{p.UserID, p.AssetID}] = clonePosition(p)
}

// Bank implements domain.Ledger.
func (s *Store) Bank(_ context.Context, assetID string) (domain.Bank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.banks[assetID]
	if !ok {
		return domain.Bank{}, fmt.Errorf("memory: bank %s: %w", assetID, domain.ErrNotFound)
	}
	return cloneBank(b), nil
}

// Position implements domain.Ledger.
func (s *Store) Position(_ context.Context, userID, assetID string) (domain.AssetPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{userID, assetID}]
	if !ok {
		return domain.AssetPosition{}, fmt.Errorf("memory: position %s/%s: %w", userID, assetID, domain.ErrNotFound)
	}
	return clonePosition(p), nil
}

// ApplyLiquidation implements domain.Ledger. Both legs, both bank totals and
// the record are written under one lock, or nothing is.
func (s *Store) ApplyLiquidation(_ context.Context, m domain.LedgerMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	colKey := positionKey{m.UserID, m.Collateral.AssetID}
	borKey := positionKey{m.UserID, m.Borrowed.AssetID}
	col, ok := s.positions[colKey]
	if !ok {
		return fmt.Errorf("memory: position %s/%s: %w", m.UserID, m.Collateral.AssetID, domain.ErrNotFound)
	}
	bor, ok := s.positions[borKey]
	if !ok {
		return fmt.Errorf("memory: position %s/%s: %w", m.UserID, m.Borrowed.AssetID, domain.ErrNotFound)
	}
	colBank, ok := s.banks[m.Collateral.AssetID]
	if !ok {
		return fmt.Errorf("memory: bank %s: %w", m.Collateral.AssetID, domain.ErrNotFound)
	}
	borBank, ok := s.banks[m.Borrowed.AssetID]
	if !ok {
		return fmt.Errorf("memory: bank %s: %w", m.Borrowed.AssetID, domain.ErrNotFound)
	}

	if !col.Deposited.Eq(m.Collateral.PrevPrincipal) || !col.LastDepositUpdate.Equal(m.Collateral.PrevUpdatedAt) {
		return fmt.Errorf("memory: deposit %s/%s changed: %w", m.UserID, m.Collateral.AssetID, domain.ErrConflict)
	}
	if !bor.Borrowed.Eq(m.Borrowed.PrevPrincipal) || !bor.LastBorrowUpdate.Equal(m.Borrowed.PrevUpdatedAt) {
		return fmt.Errorf("memory: borrow %s/%s changed: %w", m.UserID, m.Borrowed.AssetID, domain.ErrConflict)
	}
	for _, r := range s.records {
		if r.ID == m.Record.ID {
			return fmt.Errorf("memory: liquidation %s: %w", r.ID, domain.ErrAlreadyExists)
		}
	}

	col.Deposited = m.Collateral.NewPrincipal.Clone()
	col.LastDepositUpdate = m.Collateral.UpdatedAt
	bor.Borrowed = m.Borrowed.NewPrincipal.Clone()
	bor.LastBorrowUpdate = m.Borrowed.UpdatedAt

	colBank.TotalDeposits = adjustTotal(colBank.TotalDeposits, m.Collateral.Interest, m.Collateral.Removed)
	colBank.UpdatedAt = m.Collateral.UpdatedAt
	borBank.TotalBorrows = adjustTotal(borBank.TotalBorrows, m.Borrowed.Interest, m.Borrowed.Removed)
	borBank.UpdatedAt = m.Borrowed.UpdatedAt

	s.positions[colKey] = col
	s.positions[borKey] = bor
	s.banks[colBank.AssetID] = colBank
	s.banks[borBank.AssetID] = borBank
	s.records = append(s.records, m.Record)
	return nil
}

// adjustTotal returns total+interest-removed, floored at zero.
func adjustTotal(total, interest, removed *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	if total != nil {
		out.Set(total)
	}
	if interest != nil {
		out.Add(out, interest)
	}
	if removed != nil {
		if removed.Gt(out) {
			return new(uint256.Int)
		}
		out.Sub(out, removed)
	}
	return out
}

// Banks returns a domain.BankStore view of s.
func (s *Store) Banks() *BankStore { return &BankStore{s: s} }

// Positions returns a domain.PositionStore view of s.
func (s *Store) Positions() *PositionStore { return &PositionStore{s: s} }

// Liquidations returns a domain.LiquidationStore view of s.
func (s *Store) Liquidations() *LiquidationStore { return &LiquidationStore{s: s} }

// Audit returns a domain.AuditStore view of s.
func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

// BankStore implements domain.BankStore.
type BankStore struct{ s *Store }

func (b *BankStore) Get(ctx context.Context, assetID string) (domain.Bank, error) {
	return b.s.Bank(ctx, assetID)
}

func (b *BankStore) List(_ context.Context) ([]domain.Bank, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	out := make([]domain.Bank, 0, len(b.s.banks))
	for _, bank := range b.s.banks {
		out = append(out, cloneBank(bank))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

// PositionStore implements domain.PositionStore.
type PositionStore struct{ s *Store }

func (p *PositionStore) Get(ctx context.Context, userID, assetID string) (domain.AssetPosition, error) {
	return p.s.Position(ctx, userID, assetID)
}

func (p *PositionStore) ListByUser(_ context.Context, userID string) (domain.UserPosition, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()

	up := domain.UserPosition{UserID: userID, Assets: make(map[string]domain.AssetPosition)}
	for k, pos := range p.s.positions {
		if k.user == userID {
			up.Assets[k.asset] = clonePosition(pos)
		}
	}
	if len(up.Assets) == 0 {
		return domain.UserPosition{}, fmt.Errorf("memory: positions for %s: %w", userID, domain.ErrNotFound)
	}
	return up, nil
}

func (p *PositionStore) ListBorrowers(_ context.Context, opts domain.ListOpts) ([]domain.UserPosition, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()

	byUser := make(map[string]domain.UserPosition)
	for k, pos := range p.s.positions {
		up, ok := byUser[k.user]
		if !ok {
			up = domain.UserPosition{UserID: k.user, Assets: make(map[string]domain.AssetPosition)}
			byUser[k.user] = up
		}
		up.Assets[k.asset] = clonePosition(pos)
	}

	var users []string
	for id, up := range byUser {
		if len(up.BorrowedAssets()) > 0 {
			users = append(users, id)
		}
	}
	sort.Strings(users)

	users = page(users, opts)
	out := make([]domain.UserPosition, 0, len(users))
	for _, id := range users {
		out = append(out, byUser[id])
	}
	return out, nil
}

// LiquidationStore implements domain.LiquidationStore.
type LiquidationStore struct{ s *Store }

func (l *LiquidationStore) List(_ context.Context, opts domain.ListOpts) ([]domain.LiquidationRecord, error) {
	return l.filter(opts, func(domain.LiquidationRecord) bool { return true }), nil
}

func (l *LiquidationStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.LiquidationRecord, error) {
	return l.filter(opts, func(r domain.LiquidationRecord) bool { return r.UserID == userID }), nil
}

func (l *LiquidationStore) ListBefore(_ context.Context, before time.Time) ([]domain.LiquidationRecord, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	var out []domain.LiquidationRecord
	for _, r := range l.s.records {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteBefore drops records older than before, returning how many went.
func (l *LiquidationStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	kept := l.s.records[:0]
	var n int64
	for _, r := range l.s.records {
		if r.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	l.s.records = kept
	return n, nil
}

// filter returns matching records newest first.
func (l *LiquidationStore) filter(opts domain.ListOpts, match func(domain.LiquidationRecord) bool) []domain.LiquidationRecord {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	var out []domain.LiquidationRecord
	for _, r := range l.s.records {
		if !match(r) {
			continue
		}
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, opts)
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ s *Store }

func (a *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	a.s.nextAudit++
	a.s.audit = append(a.s.audit, domain.AuditEntry{
		ID:        a.s.nextAudit,
		Event:     event,
		Detail:    detail,
		CreatedAt: a.s.now(),
	})
	return nil
}

func (a *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var out []domain.AuditEntry
	for i := len(a.s.audit) - 1; i >= 0; i-- {
		e := a.s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return page(out, opts), nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x.Clone()
}

func cloneBank(b domain.Bank) domain.Bank {
	b.InterestRate = cloneInt(b.InterestRate)
	b.LiquidationThreshold = cloneInt(b.LiquidationThreshold)
	b.LiquidationBonus = cloneInt(b.LiquidationBonus)
	b.CloseFactor = cloneInt(b.CloseFactor)
	if b.MaxLTV != nil {
		b.MaxLTV = b.MaxLTV.Clone()
	}
	b.TotalDeposits = cloneInt(b.TotalDeposits)
	b.TotalBorrows = cloneInt(b.TotalBorrows)
	return b
}

func clonePosition(p domain.AssetPosition) domain.AssetPosition {
	p.Deposited = cloneInt(p.Deposited)
	p.Borrowed = cloneInt(p.Borrowed)
	return p
}
