package asset

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/fixedpoint"
)

type allowanceKey struct {
	Owner   common.Address
	Spender common.Address
}

// Ledger is a journaled fungible token. Writes made inside a chain
// transaction are undone if the transaction fails.
type Ledger struct {
	env      *chain.Env
	address  common.Address
	name     string
	symbol   string
	decimals uint8

	supply     *chain.Value[*big.Int]
	balances   *chain.Map[common.Address, *big.Int]
	allowances *chain.Map[allowanceKey, *big.Int]
}

// Metadata describes a token
type Metadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// NewLedger creates an empty token at address
func NewLedger(env *chain.Env, address common.Address, meta Metadata) *Ledger {
	return &Ledger{
		env:        env,
		address:    address,
		name:       meta.Name,
		symbol:     meta.Symbol,
		decimals:   meta.Decimals,
		supply:     chain.NewValue(env, new(big.Int)),
		balances:   chain.NewMap[common.Address, *big.Int](env),
		allowances: chain.NewMap[allowanceKey, *big.Int](env),
	}
}

// Address returns the token's account address
func (l *Ledger) Address() common.Address { return l.address }

// Name returns the token name
func (l *Ledger) Name() string { return l.name }

// Symbol returns the token symbol, false when none is set
func (l *Ledger) Symbol() (string, bool) {
	return l.symbol, l.symbol != ""
}

// Decimals returns the token precision
func (l *Ledger) Decimals() uint8 { return l.decimals }

// TotalSupply returns the amount in circulation
func (l *Ledger) TotalSupply() *big.Int {
	return new(big.Int).Set(l.supply.Get())
}

// BalanceOf returns owner's balance
func (l *Ledger) BalanceOf(owner common.Address) *big.Int {
	if v, ok := l.balances.Get(owner); ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Allowance returns how much spender may move on behalf of owner
func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	if v, ok := l.allowances.Get(allowanceKey{owner, spender}); ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Transfer moves value from caller to to
func (l *Ledger) Transfer(caller, to common.Address, value *big.Int) error {
	return l.move(caller, to, value)
}

// TransferFrom moves value from from to to, spending caller's allowance
func (l *Ledger) TransferFrom(caller, from, to common.Address, value *big.Int) error {
	allowance := l.Allowance(from, caller)
	if allowance.Cmp(value) < 0 {
		return fmt.Errorf("%w: %s allowed %s, needs %s", ErrInsufficientAllowance, caller.Hex(), allowance, value)
	}
	return l.env.Atomic(func() error {
		if err := l.move(from, to, value); err != nil {
			return err
		}
		l.setAllowance(from, caller, new(big.Int).Sub(allowance, value))
		return nil
	})
}

// Approve sets spender's allowance over caller's balance
func (l *Ledger) Approve(caller, spender common.Address, value *big.Int) error {
	if value.Sign() < 0 || value.Cmp(fixedpoint.MaxUint128) > 0 {
		return &fixedpoint.OverflowError{Tag: "approve"}
	}
	l.setAllowance(caller, spender, new(big.Int).Set(value))
	return nil
}

// IncreaseAllowance raises spender's allowance by delta
func (l *Ledger) IncreaseAllowance(caller, spender common.Address, delta *big.Int) error {
	next, err := fixedpoint.Add("increase_allowance", l.Allowance(caller, spender), delta)
	if err != nil {
		return err
	}
	l.setAllowance(caller, spender, next)
	return nil
}

// DecreaseAllowance lowers spender's allowance by delta
func (l *Ledger) DecreaseAllowance(caller, spender common.Address, delta *big.Int) error {
	current := l.Allowance(caller, spender)
	if current.Cmp(delta) < 0 {
		return ErrInsufficientAllowance
	}
	l.setAllowance(caller, spender, new(big.Int).Sub(current, delta))
	return nil
}

// Mint creates value new tokens owned by to
func (l *Ledger) Mint(to common.Address, value *big.Int) error {
	supply, err := fixedpoint.Add("mint", l.supply.Get(), value)
	if err != nil {
		return err
	}
	balance, err := fixedpoint.Add("mint", l.BalanceOf(to), value)
	if err != nil {
		return err
	}
	l.supply.Set(supply)
	l.balances.Set(to, balance)
	l.env.Emit(Transfer{Token: l.address, To: to, Value: new(big.Int).Set(value)})
	return nil
}

// Burn destroys value tokens held by from
func (l *Ledger) Burn(from common.Address, value *big.Int) error {
	balance := l.BalanceOf(from)
	if balance.Cmp(value) < 0 {
		return fmt.Errorf("%w: %s holds %s, burning %s", ErrInsufficientBalance, from.Hex(), balance, value)
	}
	l.supply.Set(new(big.Int).Sub(l.supply.Get(), value))
	l.setBalance(from, balance.Sub(balance, value))
	l.env.Emit(Transfer{Token: l.address, From: from, Value: new(big.Int).Set(value)})
	return nil
}

func (l *Ledger) move(from, to common.Address, value *big.Int) error {
	if value.Sign() < 0 {
		return &fixedpoint.OverflowError{Tag: "transfer"}
	}
	balance := l.BalanceOf(from)
	if balance.Cmp(value) < 0 {
		return fmt.Errorf("%w: %s holds %s, sending %s", ErrInsufficientBalance, from.Hex(), balance, value)
	}
	if from != to {
		credited, err := fixedpoint.Add("transfer", l.BalanceOf(to), value)
		if err != nil {
			return err
		}
		l.setBalance(from, balance.Sub(balance, value))
		l.setBalance(to, credited)
	}
	l.env.Emit(Transfer{Token: l.address, From: from, To: to, Value: new(big.Int).Set(value)})
	return nil
}

func (l *Ledger) setBalance(owner common.Address, v *big.Int) {
	if v.Sign() == 0 {
		l.balances.Delete(owner)
		return
	}
	l.balances.Set(owner, v)
}

func (l *Ledger) setAllowance(owner, spender common.Address, v *big.Int) {
	key := allowanceKey{owner, spender}
	if v.Sign() == 0 {
		l.allowances.Delete(key)
	} else {
		l.allowances.Set(key, v)
	}
	l.env.Emit(Approval{Token: l.address, Owner: owner, Spender: spender, Value: new(big.Int).Set(v)})
}

// LedgerState is the persisted form of a Ledger
type LedgerState struct {
	Address    string            `msgpack:"address"`
	Name       string            `msgpack:"name"`
	Symbol     string            `msgpack:"symbol"`
	Decimals   uint8             `msgpack:"decimals"`
	Supply     string            `msgpack:"supply"`
	Balances   map[string]string `msgpack:"balances"`
	Allowances []AllowanceState  `msgpack:"allowances"`
}

// AllowanceState is one persisted allowance
type AllowanceState struct {
	Owner   string `msgpack:"owner"`
	Spender string `msgpack:"spender"`
	Value   string `msgpack:"value"`
}

// Export snapshots the ledger
func (l *Ledger) Export() LedgerState {
	st := LedgerState{
		Address:  l.address.Hex(),
		Name:     l.name,
		Symbol:   l.symbol,
		Decimals: l.decimals,
		Supply:   l.supply.Get().String(),
		Balances: make(map[string]string, l.balances.Len()),
	}
	l.balances.Range(func(k common.Address, v *big.Int) bool {
		st.Balances[k.Hex()] = v.String()
		return true
	})
	l.allowances.Range(func(k allowanceKey, v *big.Int) bool {
		st.Allowances = append(st.Allowances, AllowanceState{
			Owner:   k.Owner.Hex(),
			Spender: k.Spender.Hex(),
			Value:   v.String(),
		})
		return true
	})
	return st
}

// Import replaces the ledger's balances and allowances with st. Metadata and
// address are fixed at construction and must match.
func (l *Ledger) Import(st LedgerState) error {
	if st.Address != l.address.Hex() {
		return fmt.Errorf("ledger state for %s imported into %s", st.Address, l.address.Hex())
	}
	supply, err := fixedpoint.ParseAmount(st.Supply)
	if err != nil {
		return err
	}

	balances := chain.NewMap[common.Address, *big.Int](l.env)
	for k, v := range st.Balances {
		owner, err := chain.ParseAddress(k)
		if err != nil {
			return err
		}
		amount, err := fixedpoint.ParseAmount(v)
		if err != nil {
			return err
		}
		balances.Set(owner, amount)
	}

	allowances := chain.NewMap[allowanceKey, *big.Int](l.env)
	for _, a := range st.Allowances {
		owner, err := chain.ParseAddress(a.Owner)
		if err != nil {
			return err
		}
		spender, err := chain.ParseAddress(a.Spender)
		if err != nil {
			return err
		}
		amount, err := fixedpoint.ParseAmount(a.Value)
		if err != nil {
			return err
		}
		allowances.Set(allowanceKey{owner, spender}, amount)
	}

	l.supply = chain.NewValue(l.env, supply)
	l.balances = balances
	l.allowances = allowances
	return nil
}
