package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Format renders a fixed-point integer with the given number of decimals,
// e.g. Format(1500000, 6) == "1.5"
func Format(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// ParseAmount parses a base-unit integer amount and checks it is in range
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return checkUnsigned("parse_amount", v)
}

// ParseDecimal parses a human readable decimal ("1.25") into base units with
// the given precision. Extra precision is rejected rather than truncated.
func ParseDecimal(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("decimal %q has more than %d fractional digits", s, decimals)
	}
	return checkUnsigned("parse_decimal", scaled.BigInt())
}
