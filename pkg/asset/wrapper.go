package asset

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/chain"
)

// Wrapper is a token backed 1:1 by native currency held at its address
type Wrapper struct {
	*Ledger
	env  *chain.Env
	bank *chain.NativeBank
}

// NewWrapper creates a native wrapper token
func NewWrapper(env *chain.Env, bank *chain.NativeBank, address common.Address, meta Metadata) *Wrapper {
	return &Wrapper{
		Ledger: NewLedger(env, address, meta),
		env:    env,
		bank:   bank,
	}
}

// Deposit takes value native currency from caller and mints the same amount
// of wrapped tokens to caller
func (w *Wrapper) Deposit(caller common.Address, value *big.Int) error {
	if value.Sign() == 0 {
		return ErrAmountIsZero
	}
	return w.env.Atomic(func() error {
		if err := w.bank.Transfer(caller, w.Address(), value); err != nil {
			return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
		}
		return w.Mint(caller, value)
	})
}

// Withdraw burns amount wrapped tokens held by caller and releases the
// native currency backing them
func (w *Wrapper) Withdraw(caller common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return ErrAmountIsZero
	}
	return w.env.Atomic(func() error {
		if err := w.Burn(caller, amount); err != nil {
			return err
		}
		return w.bank.Transfer(w.Address(), caller, amount)
	})
}
