package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lendliq/internal/domain"
)

type balanceKey struct {
	account string
	asset   string
}

// Custody is an in-process account ledger implementing domain.BatchCustody.
type Custody struct {
	mu          sync.Mutex
	balances    map[balanceKey]*uint256.Int
	authorityID string

	// Fail, when set, is consulted before each transfer is applied and aborts
	// it with the returned error. Tests use it to inject leg failures.
	Fail func(t domain.Transfer) error
}

// NewCustody creates an empty custody ledger. authorityID is the only signer
// allowed to debit reserve accounts.
func NewCustody(authorityID string) *Custody {
	return &Custody{
		balances:    make(map[balanceKey]*uint256.Int),
		authorityID: authorityID,
	}
}

// SetBalance overwrites an account balance.
func (c *Custody) SetBalance(account, assetID string, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[balanceKey{account, assetID}] = amount.Clone()
}

// Balance returns an account balance, zero when the account is unknown.
func (c *Custody) Balance(account, assetID string) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneInt(c.balances[balanceKey{account, assetID}])
}

// Transfer implements domain.Custody.
func (c *Custody) Transfer(ctx context.Context, t domain.Transfer) error {
	return c.TransferBatch(ctx, []domain.Transfer{t})
}

// TransferBatch implements domain.BatchCustody. Transfers are validated and
// applied against a scratch copy so a failure leaves every balance intact.
func (c *Custody) TransferBatch(ctx context.Context, ts []domain.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	scratch := make(map[balanceKey]*uint256.Int)
	get := func(k balanceKey) *uint256.Int {
		if v, ok := scratch[k]; ok {
			return v
		}
		v := cloneInt(c.balances[k])
		scratch[k] = v
		return v
	}

	for i, t := range ts {
		if err := c.check(t); err != nil {
			if len(ts) == 1 {
				return err
			}
			return &domain.BatchTransferError{Index: i, Err: err}
		}
		from := get(balanceKey{t.From, t.AssetID})
		if t.Amount.Gt(from) {
			err := fmt.Errorf("memory: %s holds %s %s, need %s: %w",
				t.From, from.Dec(), t.AssetID, t.Amount.Dec(), domain.ErrInsufficientFunds)
			if len(ts) == 1 {
				return err
			}
			return &domain.BatchTransferError{Index: i, Err: err}
		}
		to := get(balanceKey{t.To, t.AssetID})
		from.Sub(from, t.Amount)
		to.Add(to, t.Amount)
	}

	for k, v := range scratch {
		c.balances[k] = v
	}
	return nil
}

func (c *Custody) check(t domain.Transfer) error {
	if t.Amount == nil || t.Amount.IsZero() {
		return fmt.Errorf("memory: %w: zero transfer amount", domain.ErrInvalidRequest)
	}
	if t.From == t.To {
		return fmt.Errorf("memory: %w: transfer to self", domain.ErrInvalidRequest)
	}
	if err := t.Authorized(c.authorityID); err != nil {
		return err
	}
	if c.Fail != nil {
		if err := c.Fail(t); err != nil {
			return err
		}
	}
	return nil
}
