package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// Liquidation describes how a liquidated position's collateral was split.
// Owner + Protocol + Reward + Pool always equals the collateral amount.
type Liquidation struct {
	Position   Position       `json:"position"`
	Liquidator common.Address `json:"liquidator"`
	Price      *big.Int       `json:"price"`
	PnL        int64          `json:"pnl"`
	Owner      *big.Int       `json:"owner"`
	Protocol   *big.Int       `json:"protocol"`
	Reward     *big.Int       `json:"reward"`
	Pool       *big.Int       `json:"pool"`
}

// IsLiquidatable reports whether user's position id has reached the
// liquidation threshold
func (m *Market) IsLiquidatable(user common.Address, id uint64) (bool, error) {
	pos, ok := m.lookup(user, id)
	if !ok {
		return false, ErrPositionNotFound
	}
	_, pnl, err := m.markToMarket(pos)
	if err != nil {
		return false, err
	}
	return pnl <= int64(m.cfg.LiquidationThreshold), nil
}

func (m *Market) markToMarket(pos Position) (*big.Int, int64, error) {
	price, err := m.price(m.underlying)
	if err != nil {
		return nil, 0, err
	}
	pnl, err := fixedpoint.PnLPercent(pos.EntryPrice, price, pos.Leverage, pos.IsLong)
	if err != nil {
		return nil, 0, err
	}
	return price, pnl, nil
}

// Liquidate closes user's position id once it has crossed the threshold.
// Anyone may call it; the caller earns the liquidator reward.
func (m *Market) Liquidate(caller, user common.Address, id uint64) (Liquidation, error) {
	var l Liquidation
	err := m.guard(func() error {
		pos, ok := m.lookup(user, id)
		if !ok {
			return ErrPositionNotFound
		}
		price, pnl, err := m.markToMarket(pos)
		if err != nil {
			return err
		}
		if pnl > int64(m.cfg.LiquidationThreshold) {
			return ErrNotLiquidatable
		}

		leftover, err := m.survivingCollateral(pos, pnl)
		if err != nil {
			return err
		}
		seized, err := fixedpoint.Percent("liquidation_seize", leftover, uint64(m.cfg.LiquidationPenalty))
		if err != nil {
			return err
		}
		protocol, err := fixedpoint.Percent("liquidation_fee", seized, uint64(m.cfg.ProtocolFee))
		if err != nil {
			return err
		}

		l = Liquidation{
			Position:   pos,
			Liquidator: caller,
			Price:      price,
			PnL:        pnl,
			Owner:      new(big.Int).Sub(leftover, seized),
			Protocol:   protocol,
			Reward:     new(big.Int).Sub(seized, protocol),
			Pool:       new(big.Int).Sub(pos.CollateralAmount, leftover),
		}

		m.remove(user, id)

		if err := m.withdrawCollateral(user, id, l.Owner, user); err != nil {
			return err
		}
		if err := m.withdrawCollateral(user, id, l.Protocol, m.cfg.Treasury); err != nil {
			return err
		}
		if err := m.withdrawCollateral(user, id, l.Reward, caller); err != nil {
			return err
		}
		if err := m.withdrawCollateral(user, id, l.Pool, m.address); err != nil {
			return err
		}

		m.env.Emit(PositionLiquidated{Market: m.address, Liquidation: l})
		m.logger.Info("Position liquidated",
			"owner", user,
			"id", id,
			"liquidator", caller,
			"pnl", pnl,
			"toOwner", l.Owner,
			"toProtocol", l.Protocol,
			"toLiquidator", l.Reward,
			"toPool", l.Pool,
		)
		return nil
	})
	if err != nil {
		return Liquidation{}, err
	}
	return l, nil
}
