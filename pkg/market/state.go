package market

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// State is the persisted form of a Market
type State struct {
	Shares    asset.LedgerState `msgpack:"shares"`
	Positions []PositionState   `msgpack:"positions"`
	NextIDs   map[string]uint64 `msgpack:"next_ids"`
}

// PositionState is one persisted position
type PositionState struct {
	Owner            string `msgpack:"owner"`
	ID               uint64 `msgpack:"id"`
	CollateralAmount string `msgpack:"collateral_amount"`
	CollateralAsset  string `msgpack:"collateral_asset"`
	CollateralUSD    string `msgpack:"collateral_usd"`
	EntryPrice       string `msgpack:"entry_price"`
	Leverage         uint8  `msgpack:"leverage"`
	IsLong           bool   `msgpack:"is_long"`
	BlockOpen        uint64 `msgpack:"block_open"`
	LiquidationPrice string `msgpack:"liquidation_price"`
}

// Export snapshots the market
func (m *Market) Export() State {
	st := State{
		Shares:  m.shares.Export(),
		NextIDs: make(map[string]uint64, m.nextID.Len()),
	}
	m.nextID.Range(func(owner common.Address, id uint64) bool {
		st.NextIDs[owner.Hex()] = id
		return true
	})
	m.positions.Range(func(_ positionKey, p Position) bool {
		st.Positions = append(st.Positions, PositionState{
			Owner:            p.Owner.Hex(),
			ID:               p.ID,
			CollateralAmount: p.CollateralAmount.String(),
			CollateralAsset:  p.CollateralAsset.Hex(),
			CollateralUSD:    p.CollateralUSD.String(),
			EntryPrice:       p.EntryPrice.String(),
			Leverage:         p.Leverage,
			IsLong:           p.IsLong,
			BlockOpen:        p.BlockOpen,
			LiquidationPrice: p.LiquidationPrice.String(),
		})
		return true
	})
	sort.Slice(st.Positions, func(i, j int) bool {
		if st.Positions[i].Owner != st.Positions[j].Owner {
			return st.Positions[i].Owner < st.Positions[j].Owner
		}
		return st.Positions[i].ID < st.Positions[j].ID
	})
	return st
}

// Import replaces the market's shares, positions and id counters. Must be
// called outside a transaction.
func (m *Market) Import(st State) error {
	if err := m.shares.Import(st.Shares); err != nil {
		return err
	}

	m.positions = chain.NewMap[positionKey, Position](m.env)
	m.nextID = chain.NewMap[common.Address, uint64](m.env)
	m.slots = chain.NewMap[slotKey, uint64](m.env)
	m.slotOf = chain.NewMap[positionKey, uint64](m.env)
	m.counts = chain.NewMap[common.Address, uint64](m.env)

	for k, id := range st.NextIDs {
		owner, err := chain.ParseAddress(k)
		if err != nil {
			return err
		}
		m.nextID.Set(owner, id)
	}
	for _, ps := range st.Positions {
		p, err := ps.decode()
		if err != nil {
			return fmt.Errorf("position %s/%d: %w", ps.Owner, ps.ID, err)
		}
		if p.ID >= m.NextID(p.Owner) {
			return fmt.Errorf("position %s/%d: id not below next id %d", ps.Owner, ps.ID, m.NextID(p.Owner))
		}
		m.store(p)
	}
	return nil
}

func (ps PositionState) decode() (Position, error) {
	owner, err := chain.ParseAddress(ps.Owner)
	if err != nil {
		return Position{}, err
	}
	collateralAsset, err := chain.ParseAddress(ps.CollateralAsset)
	if err != nil {
		return Position{}, err
	}
	p := Position{
		Owner:           owner,
		ID:              ps.ID,
		CollateralAsset: collateralAsset,
		Leverage:        ps.Leverage,
		IsLong:          ps.IsLong,
		BlockOpen:       ps.BlockOpen,
	}
	if p.CollateralAmount, err = fixedpoint.ParseAmount(ps.CollateralAmount); err != nil {
		return Position{}, err
	}
	if p.CollateralUSD, err = fixedpoint.ParseAmount(ps.CollateralUSD); err != nil {
		return Position{}, err
	}
	if p.EntryPrice, err = fixedpoint.ParseAmount(ps.EntryPrice); err != nil {
		return Position{}, err
	}
	if p.LiquidationPrice, err = fixedpoint.ParseAmount(ps.LiquidationPrice); err != nil {
		return Position{}, err
	}
	return p, nil
}
