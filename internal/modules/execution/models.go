// Package execution simulates deterministic fills against the current quote.
package execution

import (
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
)

var (
	bpsDivisor = decimal.NewFromInt(10_000)
	// a sell never slips to a zero price
	maxSellBps = decimal.NewFromInt(9_999)
)

// SlippageModel adjusts the quoted price for the size of an order
type SlippageModel interface {
	Apply(side domain.Side, quantity, price decimal.Decimal) decimal.Decimal
}

// NoSlippage fills at the quoted price
type NoSlippage struct{}

// Apply implements SlippageModel
func (NoSlippage) Apply(_ domain.Side, _ decimal.Decimal, price decimal.Decimal) decimal.Decimal {
	return price
}

// LinearSlippage moves the price against the order by BpsPerUnit basis
// points per unit of quantity, capped at MaxBps. A zero MaxBps leaves buys
// uncapped; sells are always held below 10000 bps.
type LinearSlippage struct {
	BpsPerUnit decimal.Decimal
	MaxBps     decimal.Decimal
}

// Apply implements SlippageModel
func (l LinearSlippage) Apply(side domain.Side, quantity, price decimal.Decimal) decimal.Decimal {
	bps := quantity.Mul(l.BpsPerUnit)
	if l.MaxBps.IsPositive() && bps.GreaterThan(l.MaxBps) {
		bps = l.MaxBps
	}
	if side == domain.SideSell && bps.GreaterThan(maxSellBps) {
		bps = maxSellBps
	}
	shift := price.Mul(bps).Div(bpsDivisor)
	if side == domain.SideBuy {
		return price.Add(shift)
	}
	return price.Sub(shift)
}

// LiquidityModel bounds how much can fill against one quote
type LiquidityModel interface {
	// Available returns the fillable quantity, or false when unbounded
	Available(quote domain.Quote) (decimal.Decimal, bool)
}

// UnlimitedLiquidity never bounds a fill
type UnlimitedLiquidity struct{}

// Available implements LiquidityModel
func (UnlimitedLiquidity) Available(domain.Quote) (decimal.Decimal, bool) {
	return decimal.Zero, false
}

// FixedLiquidity allows at most MaxQuantity per quote
type FixedLiquidity struct {
	MaxQuantity decimal.Decimal
}

// Available implements LiquidityModel
func (f FixedLiquidity) Available(domain.Quote) (decimal.Decimal, bool) {
	return f.MaxQuantity, true
}

// FeeModel computes the commission charged on a fill
type FeeModel interface {
	Fee(notional decimal.Decimal) decimal.Decimal
}

// NoFee charges nothing
type NoFee struct{}

// Fee implements FeeModel
func (NoFee) Fee(decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

// RateFee charges a fraction of notional with a floor
type RateFee struct {
	Rate decimal.Decimal
	Min  decimal.Decimal
}

// Fee implements FeeModel
func (r RateFee) Fee(notional decimal.Decimal) decimal.Decimal {
	fee := notional.Mul(r.Rate)
	if fee.LessThan(r.Min) {
		return r.Min
	}
	return fee
}
