package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// sharesFor returns the shares minted for amount given the pool balance
// before the deposit arrives
func (m *Market) sharesFor(amount, poolBefore *big.Int) (*big.Int, error) {
	supply := m.shares.TotalSupply()
	if supply.Sign() == 0 {
		return new(big.Int).Set(amount), nil
	}
	if poolBefore.Sign() == 0 {
		// shares outstanding against an empty pool have no price
		return nil, &fixedpoint.OverflowError{Tag: "share_mint"}
	}
	return fixedpoint.MulDiv("share_mint", amount, supply, poolBefore)
}

// mintShares mints shares for amount before any funds move
func (m *Market) mintShares(caller common.Address, amount *big.Int) (*big.Int, error) {
	if amount.Sign() == 0 {
		return nil, ErrAmountIsZero
	}
	shares, err := m.sharesFor(amount, m.PoolBalance())
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("%w: deposit of %s mints no shares", ErrAmountIsZero, amount)
	}
	if err := m.shares.Mint(caller, shares); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMintFailed, err)
	}
	return shares, nil
}

// burnShares burns shares and returns the underlying they redeem for,
// priced from the supply and pool before the burn
func (m *Market) burnShares(caller common.Address, shares *big.Int) (*big.Int, error) {
	if shares.Sign() == 0 {
		return nil, ErrAmountIsZero
	}
	supply := m.shares.TotalSupply()
	pool := m.PoolBalance()
	if err := m.shares.Burn(caller, shares); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBurnFailed, err)
	}
	return fixedpoint.MulDiv("share_redeem", shares, pool, supply)
}

// DepositLiquidity pulls amount of underlying from caller into the pool and
// mints pool shares. The caller must have approved the market.
func (m *Market) DepositLiquidity(caller common.Address, amount *big.Int) (*big.Int, error) {
	var shares *big.Int
	err := m.guard(func() error {
		var err error
		if shares, err = m.mintShares(caller, amount); err != nil {
			return err
		}
		if err := m.underlying.TransferFrom(m.Address(), caller, m.Address(), amount); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}

		m.env.Emit(LiquidityDeposited{Market: m.Address(), Provider: caller, Amount: new(big.Int).Set(amount), Shares: new(big.Int).Set(shares)})
		m.logger.Info("Liquidity deposited", "provider", caller, "amount", amount, "shares", shares)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// WithdrawLiquidity burns shares held by caller and pays out their slice of
// the pool
func (m *Market) WithdrawLiquidity(caller common.Address, shares *big.Int) (*big.Int, error) {
	var amount *big.Int
	err := m.guard(func() error {
		var err error
		if amount, err = m.burnShares(caller, shares); err != nil {
			return err
		}
		if amount.Sign() > 0 {
			if err := m.underlying.Transfer(m.Address(), caller, amount); err != nil {
				return fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
		}

		m.env.Emit(LiquidityWithdrawn{Market: m.Address(), Provider: caller, Shares: new(big.Int).Set(shares), Amount: new(big.Int).Set(amount)})
		m.logger.Info("Liquidity withdrawn", "provider", caller, "shares", shares, "amount", amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

func (m *Market) nativeSupported() bool {
	return m.wrapper != nil && m.bank != nil && m.cfg.Underlying == m.wrapper.Address()
}

// DepositNative wraps value of native currency sent by caller and adds it
// to the pool. Only available when the underlying is the native wrapper.
func (m *Market) DepositNative(caller common.Address, value *big.Int) (*big.Int, error) {
	if !m.nativeSupported() {
		return nil, ErrNotSupported
	}
	var shares *big.Int
	err := m.guard(func() error {
		var err error
		if shares, err = m.mintShares(caller, value); err != nil {
			return err
		}
		if err := m.bank.Transfer(caller, m.Address(), value); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		if err := m.wrapper.Deposit(m.Address(), value); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}

		m.env.Emit(LiquidityDeposited{Market: m.Address(), Provider: caller, Amount: new(big.Int).Set(value), Shares: new(big.Int).Set(shares), Native: true})
		m.logger.Info("Native liquidity deposited", "provider", caller, "value", value, "shares", shares)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// WithdrawNative redeems shares and pays the caller in native currency
func (m *Market) WithdrawNative(caller common.Address, shares *big.Int) (*big.Int, error) {
	if !m.nativeSupported() {
		return nil, ErrNotSupported
	}
	var amount *big.Int
	err := m.guard(func() error {
		var err error
		if amount, err = m.burnShares(caller, shares); err != nil {
			return err
		}
		if amount.Sign() > 0 {
			if err := m.wrapper.Withdraw(m.Address(), amount); err != nil {
				return fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
			if err := m.bank.Transfer(m.Address(), caller, amount); err != nil {
				return fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
		}

		m.env.Emit(LiquidityWithdrawn{Market: m.Address(), Provider: caller, Shares: new(big.Int).Set(shares), Amount: new(big.Int).Set(amount), Native: true})
		m.logger.Info("Native liquidity withdrawn", "provider", caller, "shares", shares, "amount", amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}
