package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Quoter estimates how many target base units an input amount buys.
type Quoter interface {
	Quote(ctx context.Context, amountIn *big.Int) (*big.Int, error)
}

// FixedRateQuoter prices with a configured constant rate (target units per
// input unit). It stands in for a live price source.
type FixedRateQuoter struct {
	rate        decimal.Decimal
	inDecimals  int32
	outDecimals int32
}

func NewFixedRateQuoter(rate string, inDecimals, outDecimals int32) (*FixedRateQuoter, error) {
	if rate == "" {
		rate = "0"
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid quote rate %q: %w", rate, err)
	}
	if r.IsNegative() {
		return nil, fmt.Errorf("quote rate must not be negative")
	}
	return &FixedRateQuoter{rate: r, inDecimals: inDecimals, outDecimals: outDecimals}, nil
}

func (q *FixedRateQuoter) Quote(ctx context.Context, amountIn *big.Int) (*big.Int, error) {
	in := decimal.NewFromBigInt(amountIn, -q.inDecimals)
	out := in.Mul(q.rate).Shift(q.outDecimals).Truncate(0)
	return out.BigInt(), nil
}
