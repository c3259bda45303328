package market

import (
	"errors"

	"github.com/luxfi/leverage/pkg/fixedpoint"
	"github.com/luxfi/leverage/pkg/vault"
)

var (
	// validation
	ErrAmountIsZero     = errors.New("amount is zero")
	ErrPositionNotFound = errors.New("position not found")
	ErrNotSupported     = errors.New("not supported")
	ErrInvalidLeverage  = errors.New("invalid leverage")

	// external calls
	ErrTransferFailed = errors.New("transfer failed")
	ErrApproveFailed  = errors.New("approve failed")
	ErrMintFailed     = errors.New("mint failed")
	ErrBurnFailed     = errors.New("burn failed")
	ErrOracleFailed   = errors.New("oracle failed")
	ErrVault          = errors.New("vault error")

	// state
	ErrNotLiquidatable = errors.New("position is not liquidatable")
	ErrMissingDeposits = errors.New("market has no liquidity")
	ErrReentrantCall   = errors.New("reentrant call")
)

// Kind groups errors by what a caller can do about them
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindArithmetic
	KindExternal
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindArithmetic:
		return "arithmetic"
	case KindExternal:
		return "external"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

var kinds = []struct {
	err  error
	kind Kind
}{
	// a vault failure seen through a market is an external call failure,
	// whatever the vault's own reason was
	{ErrVault, KindExternal},
	{ErrTransferFailed, KindExternal},
	{ErrApproveFailed, KindExternal},
	{ErrMintFailed, KindExternal},
	{ErrBurnFailed, KindExternal},
	{ErrOracleFailed, KindExternal},

	{ErrAmountIsZero, KindValidation},
	{ErrPositionNotFound, KindValidation},
	{ErrNotSupported, KindValidation},
	{ErrInvalidLeverage, KindValidation},
	{vault.ErrAmountIsZero, KindValidation},

	{vault.ErrNotAdmin, KindAuthorization},
	{vault.ErrMarketNotFound, KindAuthorization},
	{vault.ErrAssetNotFound, KindAuthorization},

	{fixedpoint.ErrOverflow, KindArithmetic},

	{ErrNotLiquidatable, KindState},
	{ErrMissingDeposits, KindState},
	{ErrReentrantCall, KindState},
	{vault.ErrAssetAlreadyExist, KindState},
	{vault.ErrMarketAlreadyExist, KindState},
	{vault.ErrDifferentCollateralAsset, KindState},
	{vault.ErrCollateralNotFound, KindState},
	{vault.ErrInsufficientBalance, KindState},
	{vault.ErrReentrantCall, KindState},
	{vault.ErrTransferFailed, KindExternal},
}

// KindOf classifies err
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Retryable reports whether the same call may succeed later without any
// change by the caller. Only oracle gaps qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrOracleFailed)
}
