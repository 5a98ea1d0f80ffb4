package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPosition_DerivedValues(t *testing.T) {
	p := Position{Symbol: "AAPL", Quantity: d("4"), CostBasis: d("400"), LastPrice: d("110")}

	assert.True(t, d("100").Equal(p.AvgCost()))
	assert.True(t, d("440").Equal(p.MarketValue()))
	assert.True(t, d("40").Equal(p.UnrealizedPnL()))
	assert.True(t, (Position{}).AvgCost().IsZero())

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"avg_cost":"100"`)
	assert.Contains(t, string(raw), `"unrealized_pnl":"40"`)
}

func TestNewSnapshot(t *testing.T) {
	at := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	positions := []Position{
		{Symbol: "MSFT", Quantity: d("2"), CostBasis: d("800"), LastPrice: d("390")},
		{Symbol: "AAPL", Quantity: d("10"), CostBasis: d("1000"), LastPrice: d("105")},
	}
	open := []Order{
		{ID: "b", Quantity: d("5"), Kind: LimitOrder{Limit: d("90")}, CreatedAt: at},
		{ID: "a", Quantity: d("5"), Kind: MarketOrder{}, CreatedAt: at},
	}

	snap := NewSnapshot("acc", 3, d("5000"), d("3200"), d("12.5"), positions, open, false, at)

	assert.Equal(t, "AAPL", snap.Positions[0].Symbol, "positions sorted by symbol")
	assert.Equal(t, "a", snap.OpenOrders[0].ID, "ties broken by id")
	// 50 on AAPL, -20 on MSFT
	assert.True(t, d("30").Equal(snap.UnrealizedPnL), "got %s", snap.UnrealizedPnL)
	assert.True(t, d("5030").Equal(snap.Equity), "got %s", snap.Equity)

	// 1050 + 780 market value plus 5 * 90 resting limit notional
	assert.True(t, d("2280").Equal(snap.Exposure()), "got %s", snap.Exposure())

	msft, ok := snap.Position("MSFT")
	require.True(t, ok)
	assert.True(t, d("2").Equal(msft.Quantity))
	_, ok = snap.Position("TSLA")
	assert.False(t, ok)

	_, ok = snap.OpenOrder("b")
	assert.True(t, ok)
	assert.True(t, d("10").Equal(snap.Holdings()["AAPL"]))
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusRejected, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []OrderStatus{StatusPending, StatusAdmitted, StatusPartiallyFilled} {
		assert.False(t, s.IsTerminal(), s)
	}
}
