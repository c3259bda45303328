package api

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/market"
)

// Amounts are rendered as base-unit decimal strings so clients never lose
// precision on 128-bit values.

type positionResult struct {
	Owner            common.Address `json:"owner"`
	ID               uint64         `json:"id"`
	CollateralAmount string         `json:"collateralAmount"`
	CollateralAsset  common.Address `json:"collateralAsset"`
	CollateralUSD    string         `json:"collateralUsd"`
	EntryPrice       string         `json:"entryPrice"`
	Leverage         uint8          `json:"leverage"`
	IsLong           bool           `json:"isLong"`
	BlockOpen        uint64         `json:"blockOpen"`
	LiquidationPrice string         `json:"liquidationPrice"`
}

func newPositionResult(p market.Position) positionResult {
	return positionResult{
		Owner:            p.Owner,
		ID:               p.ID,
		CollateralAmount: str(p.CollateralAmount),
		CollateralAsset:  p.CollateralAsset,
		CollateralUSD:    str(p.CollateralUSD),
		EntryPrice:       str(p.EntryPrice),
		Leverage:         p.Leverage,
		IsLong:           p.IsLong,
		BlockOpen:        p.BlockOpen,
		LiquidationPrice: str(p.LiquidationPrice),
	}
}

type positionViewResult struct {
	Position positionResult `json:"position"`
	PnL      int64          `json:"pnl"`
	Price    string         `json:"price"`
}

type settlementResult struct {
	Position  positionResult `json:"position"`
	ExitPrice string         `json:"exitPrice"`
	PnL       int64          `json:"pnl"`
	Returned  string         `json:"returned"`
	Profit    string         `json:"profit"`
	Swept     string         `json:"swept"`
}

func newSettlementResult(s market.Settlement) settlementResult {
	return settlementResult{
		Position:  newPositionResult(s.Position),
		ExitPrice: str(s.ExitPrice),
		PnL:       s.PnL,
		Returned:  str(s.Returned),
		Profit:    str(s.Profit),
		Swept:     str(s.Swept),
	}
}

type liquidationResult struct {
	Position   positionResult `json:"position"`
	Liquidator common.Address `json:"liquidator"`
	Price      string         `json:"price"`
	PnL        int64          `json:"pnl"`
	Owner      string         `json:"owner"`
	Protocol   string         `json:"protocol"`
	Reward     string         `json:"reward"`
	Pool       string         `json:"pool"`
}

func newLiquidationResult(l market.Liquidation) liquidationResult {
	return liquidationResult{
		Position:   newPositionResult(l.Position),
		Liquidator: l.Liquidator,
		Price:      str(l.Price),
		PnL:        l.PnL,
		Owner:      str(l.Owner),
		Protocol:   str(l.Protocol),
		Reward:     str(l.Reward),
		Pool:       str(l.Pool),
	}
}

type marketDataResult struct {
	Name                 string         `json:"name"`
	Symbol               string         `json:"symbol"`
	Decimals             uint8          `json:"decimals"`
	Address              common.Address `json:"address"`
	Underlying           common.Address `json:"underlying"`
	TotalSupply          string         `json:"totalSupply"`
	PoolBalance          string         `json:"poolBalance"`
	OpenPositions        int            `json:"openPositions"`
	LiquidationThreshold int8           `json:"liquidationThreshold"`
	LiquidationPenalty   uint8          `json:"liquidationPenalty"`
	ProtocolFee          uint8          `json:"protocolFee"`
	Treasury             common.Address `json:"treasury"`
}

func str(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
