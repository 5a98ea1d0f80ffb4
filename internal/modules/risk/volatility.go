package risk

import (
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// VolatilityEstimator turns a price stream into a volatility estimate
type VolatilityEstimator interface {
	// Observe records a price and returns the current estimate, if there is enough data
	Observe(price decimal.Decimal) (float64, bool)
	// Reset discards all history
	Reset()
}

// RollingStdDev is the sample standard deviation of the last K simple returns
type RollingStdDev struct {
	size    int
	last    decimal.Decimal
	hasLast bool
	returns []float64
}

// NewRollingStdDev creates an estimator over a window of k returns
func NewRollingStdDev(k int) *RollingStdDev {
	if k < 2 {
		k = 2
	}
	return &RollingStdDev{size: k, returns: make([]float64, 0, k)}
}

// Observe implements VolatilityEstimator
func (r *RollingStdDev) Observe(price decimal.Decimal) (float64, bool) {
	if r.hasLast && !r.last.IsZero() {
		ret, _ := price.Sub(r.last).Div(r.last).Float64()
		if len(r.returns) == r.size {
			copy(r.returns, r.returns[1:])
			r.returns = r.returns[:r.size-1]
		}
		r.returns = append(r.returns, ret)
	}
	r.last = price
	r.hasLast = true

	if len(r.returns) < 2 {
		return 0, false
	}
	return stat.StdDev(r.returns, nil), true
}

// Reset implements VolatilityEstimator
func (r *RollingStdDev) Reset() {
	r.returns = r.returns[:0]
	r.hasLast = false
	r.last = decimal.Zero
}

// Len returns the number of returns in the window
func (r *RollingStdDev) Len() int {
	return len(r.returns)
}
