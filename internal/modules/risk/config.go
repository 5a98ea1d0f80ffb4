// Package risk decides whether orders may enter the pipeline and tracks
// per-symbol volatility regimes and per-account circuit breakers.
package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds admission limits and regime thresholds. A zero limit disables that check.
type Config struct {
	VolatilityWindow       int           // number of trailing returns used for volatility
	ElevatedVolatility     float64       // volatility at or above which a symbol is ELEVATED
	HaltVolatility         float64       // volatility at or above which a symbol is HALTED
	HaltCooldown           time.Duration // how long a halt lasts
	ElevatedNotionalFactor decimal.Decimal

	MaxOrderNotional   decimal.Decimal
	MaxAccountNotional decimal.Decimal
	MaxDailyNotional   decimal.Decimal

	MaxOrdersPerWindow int
	RateWindow         time.Duration

	RejectStormThreshold int
	RejectStormWindow    time.Duration
	AccountCooldown      time.Duration
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		VolatilityWindow:       20,
		ElevatedVolatility:     0.02,
		HaltVolatility:         0.05,
		HaltCooldown:           5 * time.Minute,
		ElevatedNotionalFactor: decimal.NewFromFloat(0.5),
		MaxOrderNotional:       decimal.NewFromInt(1_000_000),
		MaxAccountNotional:     decimal.NewFromInt(5_000_000),
		MaxDailyNotional:       decimal.NewFromInt(10_000_000),
		MaxOrdersPerWindow:     20,
		RateWindow:             time.Second,
		RejectStormThreshold:   10,
		RejectStormWindow:      time.Minute,
		AccountCooldown:        time.Minute,
	}
}
