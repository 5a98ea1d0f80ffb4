// Package domain provides core domain models and types.
package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the known values
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TimeInForce controls how long an unfilled order stays working
type TimeInForce string

const (
	// GTC orders stay working until filled or cancelled
	GTC TimeInForce = "GTC"
	// DAY orders are cancelled by the scheduled expiry job
	DAY TimeInForce = "DAY"
)

// Valid reports whether the time in force is one of the known values
func (t TimeInForce) Valid() bool {
	return t == GTC || t == DAY
}

// OrderSource identifies who produced an order
type OrderSource string

const (
	SourceManual   OrderSource = "manual"
	SourceStrategy OrderSource = "strategy"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusAdmitted        OrderStatus = "admitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusRejected        OrderStatus = "rejected"
	StatusCancelled       OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

// Quote is a normalized price observation for one symbol
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsZero reports whether the quote carries no observation
func (q Quote) IsZero() bool {
	return q.Symbol == "" || q.Timestamp.IsZero()
}

// Fill is one execution against an order. Fills are append-only.
type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional is quantity times price, excluding fees
func (f Fill) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.Price)
}

// Position is a holding in one symbol.
// CostBasis is the total cost of the held quantity; the average cost is derived from it.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	LastPrice decimal.Decimal `json:"last_price"`
}

// AvgCost returns cost basis divided by quantity
func (p Position) AvgCost() decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis.Div(p.Quantity)
}

// MarketValue returns quantity times last price
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.LastPrice)
}

// UnrealizedPnL returns market value minus cost basis
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.MarketValue().Sub(p.CostBasis)
}

// MarshalJSON adds the derived fields
func (p Position) MarshalJSON() ([]byte, error) {
	type plain Position
	return json.Marshal(struct {
		plain
		AvgCost       decimal.Decimal `json:"avg_cost"`
		MarketValue   decimal.Decimal `json:"market_value"`
		UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	}{
		plain:         plain(p),
		AvgCost:       p.AvgCost(),
		MarketValue:   p.MarketValue(),
		UnrealizedPnL: p.UnrealizedPnL(),
	})
}

// PortfolioSnapshot is an immutable, versioned view of one account.
// Each committed ledger mutation produces exactly one snapshot.
type PortfolioSnapshot struct {
	AccountID     string          `json:"account_id"`
	Version       uint64          `json:"version"`
	InitialCash   decimal.Decimal `json:"initial_cash"`
	Cash          decimal.Decimal `json:"cash"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	Positions     []Position      `json:"positions"`
	OpenOrders    []Order         `json:"open_orders"`
	Frozen        bool            `json:"frozen"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Position returns the holding for symbol, if any
func (s PortfolioSnapshot) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// OpenOrder returns the open order with the given id, if any
func (s PortfolioSnapshot) OpenOrder(id string) (Order, bool) {
	for _, o := range s.OpenOrders {
		if o.ID == id {
			return o, true
		}
	}
	return Order{}, false
}

// Holdings returns held quantity per symbol
func (s PortfolioSnapshot) Holdings() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Positions))
	for _, p := range s.Positions {
		out[p.Symbol] = p.Quantity
	}
	return out
}

// Exposure is gross market value of positions plus the committed
// notional of resting priced orders.
func (s PortfolioSnapshot) Exposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.MarketValue().Abs())
	}
	for _, o := range s.OpenOrders {
		if ref, ok := o.ReferencePrice(); ok {
			total = total.Add(o.Remaining().Mul(ref))
		}
	}
	return total
}

// NewSnapshot assembles a snapshot with sorted positions and orders and
// the derived P&L fields.
func NewSnapshot(accountID string, version uint64, initialCash, cash, realized decimal.Decimal, positions []Position, open []Order, frozen bool, at time.Time) PortfolioSnapshot {
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})

	unrealized := decimal.Zero
	equity := cash
	for _, p := range positions {
		unrealized = unrealized.Add(p.UnrealizedPnL())
		equity = equity.Add(p.MarketValue())
	}

	return PortfolioSnapshot{
		AccountID:     accountID,
		Version:       version,
		InitialCash:   initialCash,
		Cash:          cash,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		Equity:        equity,
		Positions:     positions,
		OpenOrders:    open,
		Frozen:        frozen,
		Timestamp:     at,
	}
}
