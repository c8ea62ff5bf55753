// Package units converts integer base-unit amounts to human-readable
// decimals for logs, notifications and metrics.
package units

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimals of a wei-denominated amount.
const EtherDecimals = 18

// ToDecimal scales v down by 10^decimals.
func ToDecimal(v *uint256.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -decimals)
}

// Format renders v with decimals, trimming trailing zeros.
func Format(v *uint256.Int, decimals int32) string {
	return ToDecimal(v, decimals).String()
}

// Float returns an approximate float64 of v scaled by decimals.
func Float(v *uint256.Int, decimals int32) float64 {
	f, _ := ToDecimal(v, decimals).Float64()
	return f
}

// Parse converts a human-readable amount such as "1.5" into base units.
func Parse(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("units: parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("units: negative amount %q", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("units: %q has more than %d decimals", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("units: %q overflows 256 bits", s)
	}
	return v, nil
}
