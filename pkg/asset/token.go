// Package asset holds the fungible token collaborators of the engine: the
// Token capability interface, a journaled Ledger implementing it, the
// address Directory and the native currency Wrapper.
package asset

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrAmountIsZero          = errors.New("amount is zero")
	ErrTokenExists           = errors.New("token already registered")
	ErrTokenNotFound         = errors.New("token not found")
)

// Token is the fungible asset interface every collateral, underlying and
// share token satisfies. The caller of a mutating method is passed
// explicitly and plays the role of the transaction sender.
type Token interface {
	Address() common.Address
	Name() string
	// Symbol reports false when the token carries no symbol metadata
	Symbol() (string, bool)
	Decimals() uint8
	TotalSupply() *big.Int
	BalanceOf(owner common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
	Transfer(caller, to common.Address, value *big.Int) error
	TransferFrom(caller, from, to common.Address, value *big.Int) error
	Approve(caller, spender common.Address, value *big.Int) error
}

// Transfer is emitted for every balance movement, including mints (zero
// From) and burns (zero To)
type Transfer struct {
	Token common.Address `json:"token"`
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
}

// Topic implements chain.Event
func (Transfer) Topic() string { return "asset.Transfer" }

// Approval is emitted when an allowance changes
type Approval struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Value   *big.Int       `json:"value"`
}

// Topic implements chain.Event
func (Approval) Topic() string { return "asset.Approval" }
