package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxLeverage is used when Config.MaxLeverage is zero
const DefaultMaxLeverage uint8 = 125

// Config holds the immutable parameters of a market
type Config struct {
	Name       string
	Symbol     string
	Underlying common.Address

	// LiquidationThreshold is the PnL percentage at or below which a
	// position can be liquidated, e.g. -80
	LiquidationThreshold int8
	// LiquidationPenalty is the share of leftover collateral seized on
	// liquidation, in percent
	LiquidationPenalty uint8
	// ProtocolFee is the treasury's cut of the seized amount, in percent
	ProtocolFee uint8
	Treasury    common.Address

	MaxLeverage uint8
	// MaxPriceAge rejects oracle quotes older than this. Zero disables the check.
	MaxPriceAge time.Duration
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("market name is required")
	case c.Underlying == (common.Address{}):
		return errors.New("underlying asset is required")
	case c.LiquidationThreshold >= 0 || c.LiquidationThreshold < -100:
		return fmt.Errorf("liquidation threshold %d outside [-100, 0)", c.LiquidationThreshold)
	case c.LiquidationPenalty > 100:
		return fmt.Errorf("liquidation penalty %d exceeds 100%%", c.LiquidationPenalty)
	case c.ProtocolFee > 100:
		return fmt.Errorf("protocol fee %d exceeds 100%%", c.ProtocolFee)
	case c.ProtocolFee > 0 && c.Treasury == (common.Address{}):
		return errors.New("treasury is required when protocol fee is set")
	case c.MaxPriceAge < 0:
		return errors.New("max price age must not be negative")
	}
	return nil
}

func (c Config) maxLeverage() uint8 {
	if c.MaxLeverage == 0 {
		return DefaultMaxLeverage
	}
	return c.MaxLeverage
}
