// Package fixedpoint converts between asset-native integer amounts and
// USD-denominated values. Every function is pure and checked: results must fit
// the unsigned (amounts, prices) or signed (price deltas) 128-bit range, and any
// violation is reported as an *OverflowError tagged with the failing step.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// USDDecimals is the precision of every USD value and price the engine stores
	USDDecimals uint8 = 6
	// OracleDecimals is the precision of prices returned by the oracle
	OracleDecimals uint8 = 18
)

var (
	// MaxUint128 is the largest representable amount
	MaxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	// MaxInt128 and MinInt128 bound signed intermediates
	MaxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	MinInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))

	hundred = big.NewInt(100)
)

// ErrOverflow matches every *OverflowError
var ErrOverflow = errors.New("arithmetic overflow")

// OverflowError reports a failed checked computation
type OverflowError struct {
	Tag string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("arithmetic overflow in %s", e.Tag)
}

// Is makes errors.Is(err, ErrOverflow) true
func (e *OverflowError) Is(target error) bool {
	return target == ErrOverflow
}

func overflow(tag string) error {
	return &OverflowError{Tag: tag}
}

func checkUnsigned(tag string, v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 || v.Cmp(MaxUint128) > 0 {
		return nil, overflow(tag)
	}
	return v, nil
}

func checkSigned(tag string, v *big.Int) (*big.Int, error) {
	if v.Cmp(MinInt128) < 0 || v.Cmp(MaxInt128) > 0 {
		return nil, overflow(tag)
	}
	return v, nil
}

// Pow10 returns 10^decimals
func Pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// Add returns a+b
func Add(tag string, a, b *big.Int) (*big.Int, error) {
	return checkUnsigned(tag, new(big.Int).Add(a, b))
}

// Sub returns a-b, failing when b > a
func Sub(tag string, a, b *big.Int) (*big.Int, error) {
	return checkUnsigned(tag, new(big.Int).Sub(a, b))
}

// Mul returns a*b
func Mul(tag string, a, b *big.Int) (*big.Int, error) {
	return checkUnsigned(tag, new(big.Int).Mul(a, b))
}

// Div returns a/b rounded down, failing on a zero divisor
func Div(tag string, a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, overflow(tag)
	}
	return checkUnsigned(tag, new(big.Int).Quo(a, b))
}

// MulDiv returns a*b/c with the product checked before dividing
func MulDiv(tag string, a, b, c *big.Int) (*big.Int, error) {
	product, err := Mul(tag, a, b)
	if err != nil {
		return nil, err
	}
	return Div(tag, product, c)
}

// USDFromAssetAmount values amount (in asset base units) at price (USD per
// whole asset, USDDecimals precision): amount * price / 10^assetDecimals.
func USDFromAssetAmount(amount *big.Int, assetDecimals uint8, price *big.Int) (*big.Int, error) {
	return MulDiv("usd_from_asset_amount", amount, price, Pow10(assetDecimals))
}

// AssetAmountFromUSD is the inverse of USDFromAssetAmount:
// usd * 10^assetDecimals / price.
func AssetAmountFromUSD(usd, price *big.Int, assetDecimals uint8) (*big.Int, error) {
	return MulDiv("asset_amount_from_usd", usd, Pow10(assetDecimals), price)
}

func sign(isLong bool) int64 {
	if isLong {
		return 1
	}
	return -1
}

// PnLPercent returns the leveraged profit or loss, in whole percent, of a
// position entered at oldPrice and marked at newPrice:
// (newPrice - oldPrice) * sign * leverage * 100 / oldPrice, truncated toward zero.
func PnLPercent(oldPrice, newPrice *big.Int, leverage uint8, isLong bool) (int64, error) {
	const tag = "pnl_percent"
	if oldPrice.Sign() == 0 {
		return 0, overflow(tag)
	}

	delta, err := checkSigned(tag, new(big.Int).Sub(newPrice, oldPrice))
	if err != nil {
		return 0, err
	}
	delta.Mul(delta, big.NewInt(sign(isLong)*int64(leverage)))
	delta.Mul(delta, hundred)
	if _, err := checkSigned(tag, delta); err != nil {
		return 0, err
	}

	pct := delta.Quo(delta, oldPrice)
	if !pct.IsInt64() {
		return 0, overflow(tag)
	}
	return pct.Int64(), nil
}

// LiquidationPrice returns the price at which a position's PnL reaches
// threshold (a negative percentage):
// entryPrice + sign * entryPrice * threshold / leverage / 100.
func LiquidationPrice(entryPrice *big.Int, leverage uint8, threshold int8, isLong bool) (*big.Int, error) {
	const tag = "liquidation_price"
	if leverage == 0 {
		return nil, overflow(tag)
	}

	move, err := checkSigned(tag, new(big.Int).Mul(entryPrice, big.NewInt(int64(threshold))))
	if err != nil {
		return nil, err
	}
	move.Quo(move, big.NewInt(int64(leverage)))
	move.Quo(move, hundred)
	move.Mul(move, big.NewInt(sign(isLong)))

	return checkUnsigned(tag, move.Add(move, entryPrice))
}

// ApplyPercentChange returns value * (100 + pct) / 100, floored at zero.
// A -30 change keeps 70% of value; anything at or below -100 leaves nothing.
func ApplyPercentChange(tag string, value *big.Int, pct int64) (*big.Int, error) {
	if pct <= -100 {
		return new(big.Int), nil
	}
	factor := new(big.Int).Add(big.NewInt(pct), hundred)
	return MulDiv(tag, value, factor, hundred)
}

// Percent returns value * pct / 100 for a non-negative pct
func Percent(tag string, value *big.Int, pct uint64) (*big.Int, error) {
	return MulDiv(tag, value, new(big.Int).SetUint64(pct), hundred)
}

// ScaleOraclePrice drops precision from an oracle price: raw / 10^(from-to)
func ScaleOraclePrice(raw *big.Int, from, to uint8) (*big.Int, error) {
	if to > from {
		return Mul("scale_oracle_price", raw, Pow10(to-from))
	}
	return Div("scale_oracle_price", raw, Pow10(from-to))
}

// Min returns the smaller of a and b
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
