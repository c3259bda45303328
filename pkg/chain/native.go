package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// ErrInsufficientNative is returned when an account cannot cover a native transfer
var ErrInsufficientNative = errors.New("insufficient native balance")

// NativeBank holds native currency balances. Payable calls move value
// through it before the callee sees it.
type NativeBank struct {
	env      *Env
	balances *Map[common.Address, *big.Int]
}

// NewNativeBank creates an empty native ledger
func NewNativeBank(env *Env) *NativeBank {
	return &NativeBank{
		env:      env,
		balances: NewMap[common.Address, *big.Int](env),
	}
}

// BalanceOf returns the native balance of account
func (b *NativeBank) BalanceOf(account common.Address) *big.Int {
	if v, ok := b.balances.Get(account); ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Credit mints native value to account (genesis allocation)
func (b *NativeBank) Credit(account common.Address, amount *big.Int) error {
	next, err := fixedpoint.Add("native_credit", b.BalanceOf(account), amount)
	if err != nil {
		return err
	}
	b.balances.Set(account, next)
	return nil
}

// Transfer moves amount of native value from one account to another
func (b *NativeBank) Transfer(from, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 || from == to {
		return nil
	}
	balance := b.BalanceOf(from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientNative
	}
	credited, err := fixedpoint.Add("native_transfer", b.BalanceOf(to), amount)
	if err != nil {
		return err
	}
	b.balances.Set(from, new(big.Int).Sub(balance, amount))
	b.balances.Set(to, credited)
	return nil
}

// NativeState is the persisted form of a NativeBank
type NativeState struct {
	Balances map[string]string `msgpack:"balances"`
}

// Export returns the bank's balances keyed by hex address
func (b *NativeBank) Export() NativeState {
	st := NativeState{Balances: make(map[string]string, b.balances.Len())}
	b.balances.Range(func(k common.Address, v *big.Int) bool {
		st.Balances[k.Hex()] = v.String()
		return true
	})
	return st
}

// Import replaces the bank's balances. Must be called outside a transaction.
func (b *NativeBank) Import(st NativeState) error {
	b.balances = NewMap[common.Address, *big.Int](b.env)
	for k, v := range st.Balances {
		addr, err := ParseAddress(k)
		if err != nil {
			return err
		}
		amount, err := fixedpoint.ParseAmount(v)
		if err != nil {
			return err
		}
		b.balances.Set(addr, amount)
	}
	return nil
}
