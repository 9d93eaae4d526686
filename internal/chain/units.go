package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human-readable decimal amount into integer base
// units. Amounts with more fractional digits than decimals are rejected
// rather than rounded.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", amount)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits renders integer base units as a decimal string.
func FromBaseUnits(value *big.Int, decimals int32) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -decimals).String()
}

// ApplySlippage returns amount * (10000 - bps) / 10000, rounded down.
func ApplySlippage(amount *big.Int, bps int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(10000-bps)))
	return out.Quo(out, big.NewInt(10000))
}
