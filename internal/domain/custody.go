package domain

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// AuthorizationKind identifies who authorized a custody transfer.
type AuthorizationKind string

const (
	AuthLiquidatorSignature AuthorizationKind = "liquidator_signature"
	AuthBankAuthority       AuthorizationKind = "bank_authority"
)

// Authorization accompanies every custody transfer.
type Authorization struct {
	Kind      AuthorizationKind `json:"kind"`
	Signer    string            `json:"signer"`
	Signature string            `json:"signature,omitempty"`
}

// Transfer moves a fixed quantity of one asset between two holding accounts.
type Transfer struct {
	From          string
	To            string
	AssetID       string
	Amount        *uint256.Int
	Authorization Authorization
}

// Reverse returns the compensating transfer for t under the given authorization.
func (t Transfer) Reverse(auth Authorization) Transfer {
	return Transfer{
		From:          t.To,
		To:            t.From,
		AssetID:       t.AssetID,
		Amount:        t.Amount,
		Authorization: auth,
	}
}

// Authorized checks that t's authorization may debit t.From. Bank reserves
// move only under the program authority; any other account only under its
// owner's signature.
func (t Transfer) Authorized(authorityID string) error {
	switch t.Authorization.Kind {
	case AuthBankAuthority:
		if !IsReserveAccount(t.From) {
			return fmt.Errorf("%w: bank authority cannot debit %s", ErrUnauthorized, t.From)
		}
		if authorityID == "" || t.Authorization.Signer != authorityID {
			return fmt.Errorf("%w: %q is not the bank authority", ErrUnauthorized, t.Authorization.Signer)
		}
	case AuthLiquidatorSignature:
		if IsReserveAccount(t.From) {
			return fmt.Errorf("%w: signature cannot debit reserve %s", ErrUnauthorized, t.From)
		}
		if t.Authorization.Signer != t.From {
			return fmt.Errorf("%w: %q cannot debit %s", ErrUnauthorized, t.Authorization.Signer, t.From)
		}
	default:
		return fmt.Errorf("%w: unknown authorization kind %q", ErrUnauthorized, t.Authorization.Kind)
	}
	return nil
}

const reservePrefix = "reserve:"

// ReserveAccount is the custody account holding a bank's reserve.
func ReserveAccount(assetID string) string {
	return reservePrefix + assetID
}

// IsReserveAccount reports whether account is a bank reserve.
func IsReserveAccount(account string) bool {
	return len(account) > len(reservePrefix) && account[:len(reservePrefix)] == reservePrefix
}

// Custody is the external asset transfer primitive. Each call is atomic.
type Custody interface {
	Transfer(ctx context.Context, t Transfer) error
}

// BatchCustody is implemented by custody backends that can apply several
// transfers as one all-or-nothing unit.
type BatchCustody interface {
	Custody
	TransferBatch(ctx context.Context, transfers []Transfer) error
}

// BatchTransferError identifies the transfer that aborted a batch.
type BatchTransferError struct {
	Index int
	Err   error
}

func (e *BatchTransferError) Error() string {
	return fmt.Sprintf("batch transfer %d: %v", e.Index, e.Err)
}

func (e *BatchTransferError) Unwrap() error { return e.Err }
