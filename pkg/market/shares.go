package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// The market is the pool share token. Minting and burning stay internal
// to the liquidity paths; holders can only move and approve shares.

func (m *Market) Address() common.Address { return m.address }

func (m *Market) Name() string { return m.shares.Name() }

func (m *Market) Symbol() (string, bool) { return m.shares.Symbol() }

func (m *Market) Decimals() uint8 { return m.shares.Decimals() }

func (m *Market) TotalSupply() *big.Int { return m.shares.TotalSupply() }

func (m *Market) BalanceOf(owner common.Address) *big.Int { return m.shares.BalanceOf(owner) }

func (m *Market) Allowance(owner, spender common.Address) *big.Int {
	return m.shares.Allowance(owner, spender)
}

// Transfer moves shares from caller to to
func (m *Market) Transfer(caller, to common.Address, value *big.Int) error {
	return m.guard(func() error {
		return m.shares.Transfer(caller, to, value)
	})
}

// TransferFrom moves shares on behalf of from
func (m *Market) TransferFrom(caller, from, to common.Address, value *big.Int) error {
	return m.guard(func() error {
		return m.shares.TransferFrom(caller, from, to, value)
	})
}

// Approve lets spender move caller's shares
func (m *Market) Approve(caller, spender common.Address, value *big.Int) error {
	return m.guard(func() error {
		return m.shares.Approve(caller, spender, value)
	})
}
