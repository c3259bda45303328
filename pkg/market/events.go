package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidityDeposited is emitted when underlying is added to the pool
type LiquidityDeposited struct {
	Market   common.Address `json:"market"`
	Provider common.Address `json:"provider"`
	Amount   *big.Int       `json:"amount"`
	Shares   *big.Int       `json:"shares"`
	Native   bool           `json:"native"`
}

func (LiquidityDeposited) Topic() string { return "market.LiquidityDeposited" }

// LiquidityWithdrawn is emitted when shares are redeemed
type LiquidityWithdrawn struct {
	Market   common.Address `json:"market"`
	Provider common.Address `json:"provider"`
	Shares   *big.Int       `json:"shares"`
	Amount   *big.Int       `json:"amount"`
	Native   bool           `json:"native"`
}

func (LiquidityWithdrawn) Topic() string { return "market.LiquidityWithdrawn" }

// PositionOpened is emitted when a position is created
type PositionOpened struct {
	Market   common.Address `json:"market"`
	Position Position       `json:"position"`
}

func (PositionOpened) Topic() string { return "market.PositionOpened" }

// PositionClosed is emitted when the owner closes a position
type PositionClosed struct {
	Market     common.Address `json:"market"`
	Settlement Settlement     `json:"settlement"`
}

func (PositionClosed) Topic() string { return "market.PositionClosed" }

// PositionLiquidated is emitted when a position is liquidated
type PositionLiquidated struct {
	Market      common.Address `json:"market"`
	Liquidation Liquidation    `json:"liquidation"`
}

func (PositionLiquidated) Topic() string { return "market.PositionLiquidated" }
