package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// PositionView is a position marked at the current price
type PositionView struct {
	Position Position `json:"position"`
	PnL      int64    `json:"pnl"`
	Price    *big.Int `json:"price"`
}

// MarketData is the share token metadata
type MarketData struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// ViewMarketPrice returns the underlying price in 6-decimal USD
func (m *Market) ViewMarketPrice() (*big.Int, error) {
	return m.price(m.underlying)
}

// ViewPosition returns user's position id
func (m *Market) ViewPosition(user common.Address, id uint64) (Position, error) {
	pos, ok := m.lookup(user, id)
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	return pos, nil
}

// ViewPositionPnl returns the current PnL percentage of user's position id
func (m *Market) ViewPositionPnl(user common.Address, id uint64) (int64, error) {
	pos, ok := m.lookup(user, id)
	if !ok {
		return 0, ErrPositionNotFound
	}
	_, pnl, err := m.markToMarket(pos)
	return pnl, err
}

// ViewAll marks every open position of user
func (m *Market) ViewAll(user common.Address) ([]PositionView, error) {
	ids := m.PositionIDs(user)
	views := make([]PositionView, 0, len(ids))
	if len(ids) == 0 {
		return views, nil
	}
	price, err := m.price(m.underlying)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		pos, _ := m.lookup(user, id)
		pnl, err := fixedpoint.PnLPercent(pos.EntryPrice, price, pos.Leverage, pos.IsLong)
		if err != nil {
			return nil, err
		}
		views = append(views, PositionView{Position: pos, PnL: pnl, Price: new(big.Int).Set(price)})
	}
	return views, nil
}

// ViewMarketData returns the share token's name, symbol and decimals
func (m *Market) ViewMarketData() MarketData {
	return MarketData{
		Name:     m.cfg.Name,
		Symbol:   m.cfg.Symbol,
		Decimals: m.shares.Decimals(),
	}
}
