package manager

import (
	"fmt"
	"time"

	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/market"
)

// State is the persisted form of a Manager and every market it owns
type State struct {
	Owner    string        `msgpack:"owner"`
	Treasury string        `msgpack:"treasury"`
	Nonce    uint64        `msgpack:"nonce"`
	Markets  []MarketState `msgpack:"markets"`
}

// MarketState is a market's configuration plus its own state
type MarketState struct {
	Address              string        `msgpack:"address"`
	Name                 string        `msgpack:"name"`
	Symbol               string        `msgpack:"symbol"`
	Underlying           string        `msgpack:"underlying"`
	LiquidationThreshold int8          `msgpack:"liquidation_threshold"`
	LiquidationPenalty   uint8         `msgpack:"liquidation_penalty"`
	ProtocolFee          uint8         `msgpack:"protocol_fee"`
	Treasury             string        `msgpack:"treasury"`
	MaxLeverage          uint8         `msgpack:"max_leverage"`
	MaxPriceAge          time.Duration `msgpack:"max_price_age"`
	State                market.State  `msgpack:"state"`
}

// Export snapshots the manager and its markets
func (m *Manager) Export() State {
	st := State{
		Owner:    m.owner.Hex(),
		Treasury: m.treasury.Hex(),
		Nonce:    m.nonce.Get(),
	}
	for _, mkt := range m.Markets() {
		cfg := mkt.Config()
		st.Markets = append(st.Markets, MarketState{
			Address:              mkt.Address().Hex(),
			Name:                 cfg.Name,
			Symbol:               cfg.Symbol,
			Underlying:           cfg.Underlying.Hex(),
			LiquidationThreshold: cfg.LiquidationThreshold,
			LiquidationPenalty:   cfg.LiquidationPenalty,
			ProtocolFee:          cfg.ProtocolFee,
			Treasury:             cfg.Treasury.Hex(),
			MaxLeverage:          cfg.MaxLeverage,
			MaxPriceAge:          cfg.MaxPriceAge,
			State:                mkt.Export(),
		})
	}
	return st
}

// Import rebuilds the manager's markets from st. The vault registry is
// restored separately, so markets are only added to the token directory.
// Must be called outside a transaction on a fresh manager.
func (m *Manager) Import(st State) error {
	if m.order.Len() != 0 {
		return fmt.Errorf("manager already holds %d markets", m.order.Len())
	}
	owner, err := chain.ParseAddress(st.Owner)
	if err != nil {
		return err
	}
	treasury, err := chain.ParseAddress(st.Treasury)
	if err != nil {
		return err
	}

	for _, ms := range st.Markets {
		addr, err := chain.ParseAddress(ms.Address)
		if err != nil {
			return err
		}
		underlying, err := chain.ParseAddress(ms.Underlying)
		if err != nil {
			return err
		}
		mTreasury, err := chain.ParseAddress(ms.Treasury)
		if err != nil {
			return err
		}
		mkt, err := m.build(addr, market.Config{
			Name:                 ms.Name,
			Symbol:               ms.Symbol,
			Underlying:           underlying,
			LiquidationThreshold: ms.LiquidationThreshold,
			LiquidationPenalty:   ms.LiquidationPenalty,
			ProtocolFee:          ms.ProtocolFee,
			Treasury:             mTreasury,
			MaxLeverage:          ms.MaxLeverage,
			MaxPriceAge:          ms.MaxPriceAge,
		})
		if err != nil {
			return fmt.Errorf("market %s: %w", ms.Address, err)
		}
		if err := mkt.Import(ms.State); err != nil {
			return fmt.Errorf("market %s: %w", ms.Address, err)
		}
		if err := m.deps.Tokens.Register(mkt); err != nil {
			return err
		}
		m.order.Add(addr)
		m.markets.Set(addr, mkt)
	}

	m.owner = owner
	m.treasury = treasury
	m.nonce.Set(st.Nonce)
	return nil
}
