// Package executor runs custody transfers on behalf of the liquidation engine.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

// compensateTimeout bounds the refund of a repay whose seize failed.
const compensateTimeout = 15 * time.Second

// TransferPair executes a liquidation's repay and seize legs all-or-none.
// When the custody backend supports batches both legs go in one call;
// otherwise a failed seize leg is compensated by reversing the repay leg.
type TransferPair struct {
	custody   domain.Custody
	authority domain.Authorization
	logger    *slog.Logger
}

// NewTransferPair creates a TransferPair. authorityID signs compensating
// debits from bank reserves.
func NewTransferPair(custody domain.Custody, authorityID string, logger *slog.Logger) *TransferPair {
	return &TransferPair{
		custody:   custody,
		authority: domain.Authorization{Kind: domain.AuthBankAuthority, Signer: authorityID},
		logger:    logger.With(slog.String("component", "transfer_pair")),
	}
}

// ExecutePair moves repay then seize. On failure no leg remains applied,
// unless compensation itself failed, which is logged and joined into the
// returned error.
func (p *TransferPair) ExecutePair(ctx context.Context, repay, seize domain.Transfer) error {
	if batch, ok := p.custody.(domain.BatchCustody); ok {
		return p.batch(ctx, batch, []domain.Transfer{repay, seize}, []domain.TransferLeg{domain.LegRepay, domain.LegSeize})
	}

	if err := p.custody.Transfer(ctx, repay); err != nil {
		return &domain.TransferError{Leg: domain.LegRepay, AssetID: repay.AssetID, Err: err}
	}

	if err := p.custody.Transfer(ctx, seize); err != nil {
		legErr := &domain.TransferError{Leg: domain.LegSeize, AssetID: seize.AssetID, Err: err}
		p.logger.WarnContext(ctx, "transfer_pair: seize leg failed, reversing repay leg",
			slog.String("asset", seize.AssetID),
			slog.String("error", err.Error()),
		)
		if cerr := p.compensate(ctx, repay.Reverse(p.authority)); cerr != nil {
			return errors.Join(legErr, cerr)
		}
		return legErr
	}
	return nil
}

// RevertPair undoes a pair that already succeeded, seize leg first. The
// reversed seize debits the liquidator under its original authorization.
func (p *TransferPair) RevertPair(ctx context.Context, repay, seize domain.Transfer) error {
	undoSeize := seize.Reverse(repay.Authorization)
	undoRepay := repay.Reverse(p.authority)

	if batch, ok := p.custody.(domain.BatchCustody); ok {
		return p.batch(ctx, batch, []domain.Transfer{undoSeize, undoRepay},
			[]domain.TransferLeg{domain.LegCompensate, domain.LegCompensate})
	}

	if err := p.custody.Transfer(ctx, undoSeize); err != nil {
		return &domain.TransferError{Leg: domain.LegCompensate, AssetID: undoSeize.AssetID, Err: err}
	}
	if err := p.custody.Transfer(ctx, undoRepay); err != nil {
		return &domain.TransferError{Leg: domain.LegCompensate, AssetID: undoRepay.AssetID, Err: err}
	}
	return nil
}

func (p *TransferPair) batch(ctx context.Context, batch domain.BatchCustody, ts []domain.Transfer, legs []domain.TransferLeg) error {
	err := batch.TransferBatch(ctx, ts)
	if err == nil {
		return nil
	}
	idx := 0
	var be *domain.BatchTransferError
	if errors.As(err, &be) && be.Index >= 0 && be.Index < len(ts) {
		idx = be.Index
	}
	return &domain.TransferError{Leg: legs[idx], AssetID: ts[idx].AssetID, Err: err}
}

func (p *TransferPair) compensate(ctx context.Context, t domain.Transfer) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if err := p.custody.Transfer(cctx, t); err != nil {
		p.logger.ErrorContext(ctx, "transfer_pair: compensation failed, manual reconciliation required",
			slog.String("from", t.From),
			slog.String("to", t.To),
			slog.String("asset", t.AssetID),
			slog.String("amount", t.Amount.Dec()),
			slog.String("error", err.Error()),
		)
		return &domain.TransferError{Leg: domain.LegCompensate, AssetID: t.AssetID, Err: err}
	}
	return nil
}
