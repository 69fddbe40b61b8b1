package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrConflict       = errors.New("concurrent modification")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidBank    = errors.New("invalid bank parameters")
	ErrSigningFailed  = errors.New("signing failed")
	ErrReplayed       = errors.New("authorization already used")

	ErrStalePrice             = errors.New("stale price")
	ErrOverflow               = errors.New("arithmetic overflow")
	ErrInvalidTimeOrdering    = errors.New("invalid time ordering")
	ErrNotUnderCollateralized = errors.New("position is not under-collateralized")
	ErrTransferFailed         = errors.New("transfer failed")
	ErrInsufficientReserve    = errors.New("insufficient collateral to cover seizure")
	ErrLiquidationTooSmall    = errors.New("liquidation repay amount rounds to zero")
	ErrInsufficientFunds      = errors.New("insufficient funds")
)

// TransferLeg names one half of a liquidation's transfer pair.
type TransferLeg string

const (
	LegRepay      TransferLeg = "repay"
	LegSeize      TransferLeg = "seize"
	LegCompensate TransferLeg = "compensate"
)

// TransferError reports which leg of a liquidation failed and for which asset.
// It matches ErrTransferFailed with errors.Is.
type TransferError struct {
	Leg     TransferLeg
	AssetID string
	Err     error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed: leg=%s asset=%s: %v", e.Leg, e.AssetID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }
