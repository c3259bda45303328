package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// Settlement describes how a closed position was paid out
type Settlement struct {
	Position Position `json:"position"`
	// ExitPrice is the underlying price the position was closed at
	ExitPrice *big.Int `json:"exitPrice"`
	PnL       int64    `json:"pnl"`
	// Returned is the collateral sent back to the owner
	Returned *big.Int `json:"returned"`
	// Profit is the underlying paid from the pool on a winning position
	Profit *big.Int `json:"profit"`
	// Swept is the collateral moved from the vault into the pool on a loss
	Swept *big.Int `json:"swept"`
}

// Open creates a leveraged position backed by amount of collateralAsset
// taken from caller. The caller must have approved the market.
func (m *Market) Open(caller, collateralAsset common.Address, amount *big.Int, isLong bool, leverage uint8) (Position, error) {
	var pos Position
	err := m.guard(func() error {
		if m.shares.TotalSupply().Sign() == 0 {
			return ErrMissingDeposits
		}
		if leverage == 0 || leverage > m.cfg.maxLeverage() {
			return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidLeverage, leverage, m.cfg.maxLeverage())
		}
		if amount.Sign() == 0 {
			return ErrAmountIsZero
		}
		collateral, err := m.resolve(collateralAsset)
		if err != nil {
			return err
		}

		// Price the collateral and the underlying
		collateralPrice, err := m.price(collateral)
		if err != nil {
			return err
		}
		collateralUSD, err := fixedpoint.USDFromAssetAmount(amount, collateral.Decimals(), collateralPrice)
		if err != nil {
			return err
		}
		entryPrice, err := m.price(m.underlying)
		if err != nil {
			return err
		}
		liquidationPrice, err := fixedpoint.LiquidationPrice(entryPrice, leverage, m.cfg.LiquidationThreshold, isLong)
		if err != nil {
			return err
		}

		// Record the position
		pos = Position{
			Owner:            caller,
			ID:               m.allocateID(caller),
			CollateralAmount: new(big.Int).Set(amount),
			CollateralAsset:  collateralAsset,
			CollateralUSD:    collateralUSD,
			EntryPrice:       entryPrice,
			Leverage:         leverage,
			IsLong:           isLong,
			BlockOpen:        m.env.BlockNumber(),
			LiquidationPrice: liquidationPrice,
		}
		m.store(pos)

		// Move the collateral into the vault
		if err := collateral.TransferFrom(m.address, caller, m.address, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		if err := collateral.Approve(m.address, m.vault.Address(), amount); err != nil {
			return fmt.Errorf("%w: %w", ErrApproveFailed, err)
		}
		if err := m.vault.Deposit(m.address, caller, pos.ID, collateralAsset, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrVault, err)
		}

		m.env.Emit(PositionOpened{Market: m.address, Position: pos.clone()})
		m.logger.Info("Position opened",
			"owner", caller,
			"id", pos.ID,
			"collateral", amount,
			"collateralUsd", fixedpoint.Format(collateralUSD, fixedpoint.USDDecimals),
			"entryPrice", fixedpoint.Format(entryPrice, fixedpoint.USDDecimals),
			"leverage", leverage,
			"long", isLong,
		)
		return nil
	})
	if err != nil {
		return Position{}, err
	}
	return pos.clone(), nil
}

// Close settles caller's position id at the current oracle price
func (m *Market) Close(caller common.Address, id uint64) (Settlement, error) {
	var s Settlement
	err := m.guard(func() error {
		pos, ok := m.lookup(caller, id)
		if !ok {
			return ErrPositionNotFound
		}
		price, err := m.price(m.underlying)
		if err != nil {
			return err
		}
		pnl, err := fixedpoint.PnLPercent(pos.EntryPrice, price, pos.Leverage, pos.IsLong)
		if err != nil {
			return err
		}

		m.remove(caller, id)

		s = Settlement{Position: pos, ExitPrice: price, PnL: pnl, Profit: new(big.Int), Swept: new(big.Int)}
		switch {
		case pnl > 0:
			s.Returned = new(big.Int).Set(pos.CollateralAmount)
			profitUSD, err := fixedpoint.Percent("close_profit_usd", pos.CollateralUSD, uint64(pnl))
			if err != nil {
				return err
			}
			if s.Profit, err = fixedpoint.AssetAmountFromUSD(profitUSD, price, m.underlying.Decimals()); err != nil {
				return err
			}
		case pnl < 0:
			if s.Returned, err = m.survivingCollateral(pos, pnl); err != nil {
				return err
			}
			s.Swept = new(big.Int).Sub(pos.CollateralAmount, s.Returned)
		default:
			s.Returned = new(big.Int).Set(pos.CollateralAmount)
		}

		if err := m.withdrawCollateral(caller, id, s.Returned, caller); err != nil {
			return err
		}
		if err := m.withdrawCollateral(caller, id, s.Swept, m.address); err != nil {
			return err
		}
		if s.Profit.Sign() > 0 {
			if err := m.underlying.Transfer(m.address, caller, s.Profit); err != nil {
				return fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
		}

		m.env.Emit(PositionClosed{Market: m.address, Settlement: s})
		m.logger.Info("Position closed",
			"owner", caller,
			"id", id,
			"pnl", pnl,
			"returned", s.Returned,
			"profit", s.Profit,
			"swept", s.Swept,
		)
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	return s, nil
}

// survivingCollateral converts what is left of the position's USD value
// after pnl back into collateral units, capped at the stored amount
func (m *Market) survivingCollateral(pos Position, pnl int64) (*big.Int, error) {
	collateral, err := m.resolve(pos.CollateralAsset)
	if err != nil {
		return nil, err
	}
	survivingUSD, err := fixedpoint.ApplyPercentChange("surviving_usd", pos.CollateralUSD, pnl)
	if err != nil {
		return nil, err
	}
	if survivingUSD.Sign() == 0 {
		return survivingUSD, nil
	}
	price, err := m.price(collateral)
	if err != nil {
		return nil, err
	}
	amount, err := fixedpoint.AssetAmountFromUSD(survivingUSD, price, collateral.Decimals())
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(fixedpoint.Min(amount, pos.CollateralAmount)), nil
}
