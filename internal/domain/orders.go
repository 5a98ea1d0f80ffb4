package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order type names used on the wire
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
	OrderTypeStop   = "stop"
)

// OrderKind is the closed set of order types. Only the types in this
// package implement it.
type OrderKind interface {
	TypeName() string
	sealed()
}

// MarketOrder executes immediately at the current quote
type MarketOrder struct{}

// LimitOrder executes only at Limit or better
type LimitOrder struct {
	Limit decimal.Decimal
}

// StopOrder becomes a market order once the quote crosses Stop
type StopOrder struct {
	Stop decimal.Decimal
}

func (MarketOrder) TypeName() string { return OrderTypeMarket }
func (LimitOrder) TypeName() string { return OrderTypeLimit }
func (StopOrder) TypeName() string { return OrderTypeStop }

func (MarketOrder) sealed() {}
func (LimitOrder) sealed() {}
func (StopOrder) sealed() {}

// Order is a client or strategy instruction and its execution state
type Order struct {
	ID          string
	AccountID   string
	RequestID   string
	Symbol      string
	Side        Side
	Kind        OrderKind
	Quantity    decimal.Decimal
	TimeInForce TimeInForce
	Source      OrderSource
	Status      OrderStatus
	Reason      Reason
	Triggered   bool
	Fills       []Fill
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FilledQuantity is the sum of all fill quantities
func (o Order) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Quantity)
	}
	return total
}

// Remaining is quantity minus filled quantity
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity())
}

// ReferencePrice is the price an unfilled order commits to, if it has one
func (o Order) ReferencePrice() (decimal.Decimal, bool) {
	switch k := o.Kind.(type) {
	case LimitOrder:
		return k.Limit, true
	case StopOrder:
		return k.Stop, true
	default:
		return decimal.Zero, false
	}
}

// IsOpen reports whether the order can still fill
func (o Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// Clone returns a copy that shares no mutable state with o
func (o Order) Clone() Order {
	c := o
	if o.Fills != nil {
		c.Fills = make([]Fill, len(o.Fills))
		copy(c.Fills, o.Fills)
	}
	return c
}

type orderJSON struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	RequestID      string           `json:"request_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Type           string           `json:"type"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	TimeInForce    TimeInForce      `json:"time_in_force"`
	Source         OrderSource      `json:"source"`
	Status         OrderStatus      `json:"status"`
	Reason         Reason           `json:"reason,omitempty"`
	Triggered      bool             `json:"triggered,omitempty"`
	Fills          []Fill           `json:"fills"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// MarshalJSON flattens the order kind into type and price fields
func (o Order) MarshalJSON() ([]byte, error) {
	w := orderJSON{
		ID:             o.ID,
		AccountID:      o.AccountID,
		RequestID:      o.RequestID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity(),
		TimeInForce:    o.TimeInForce,
		Source:         o.Source,
		Status:         o.Status,
		Reason:         o.Reason,
		Triggered:      o.Triggered,
		Fills:          o.Fills,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if w.Fills == nil {
		w.Fills = []Fill{}
	}
	switch k := o.Kind.(type) {
	case LimitOrder:
		w.Type = OrderTypeLimit
		w.LimitPrice = &k.Limit
	case StopOrder:
		w.Type = OrderTypeStop
		w.StopPrice = &k.Stop
	default:
		w.Type = OrderTypeMarket
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the order kind from type and price fields
func (o *Order) UnmarshalJSON(data []byte) error {
	var w orderJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := kindFromWire(w.Type, w.LimitPrice, w.StopPrice)
	if err != nil {
		return err
	}
	*o = Order{
		ID:          w.ID,
		AccountID:   w.AccountID,
		RequestID:   w.RequestID,
		Symbol:      w.Symbol,
		Side:        w.Side,
		Kind:        kind,
		Quantity:    w.Quantity,
		TimeInForce: w.TimeInForce,
		Source:      w.Source,
		Status:      w.Status,
		Reason:      w.Reason,
		Triggered:   w.Triggered,
		Fills:       w.Fills,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	if len(o.Fills) == 0 {
		o.Fills = nil
	}
	return nil
}

func kindFromWire(typ string, limit, stop *decimal.Decimal) (OrderKind, error) {
	switch strings.ToLower(typ) {
	case "", OrderTypeMarket:
		return MarketOrder{}, nil
	case OrderTypeLimit:
		if limit == nil {
			return nil, ErrMissingPrice
		}
		return LimitOrder{Limit: *limit}, nil
	case OrderTypeStop:
		if stop == nil {
			return nil, ErrMissingPrice
		}
		return StopOrder{Stop: *stop}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrderType, typ)
	}
}

// OrderRequest is an unvalidated order submission
type OrderRequest struct {
	AccountID   string           `json:"account_id"`
	RequestID   string           `json:"request_id"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	Type        string           `json:"type"`
	Quantity    decimal.Decimal  `json:"quantity"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce      `json:"time_in_force,omitempty"`
	Source      OrderSource      `json:"source,omitempty"`
}

// Normalize trims identifiers and fills defaults
func (r OrderRequest) Normalize() OrderRequest {
	r.AccountID = strings.TrimSpace(r.AccountID)
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = Side(strings.ToUpper(string(r.Side)))
	r.Type = strings.ToLower(strings.TrimSpace(r.Type))
	if r.Type == "" {
		r.Type = OrderTypeMarket
	}
	r.TimeInForce = TimeInForce(strings.ToUpper(string(r.TimeInForce)))
	if r.TimeInForce == "" {
		r.TimeInForce = GTC
	}
	if r.Source == "" {
		r.Source = SourceManual
	}
	return r
}

// Validate checks structure only. It returns an *InputError.
func (r OrderRequest) Validate() error {
	if r.AccountID == "" {
		return ErrMissingAccount
	}
	if r.RequestID == "" {
		return ErrMissingRequestID
	}
	if r.Symbol == "" {
		return ErrUnknownSymbol
	}
	if !r.Side.Valid() {
		return ErrInvalidSide
	}
	if !r.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if !r.TimeInForce.Valid() {
		return ErrInvalidTimeInForce
	}
	if r.Source != SourceManual && r.Source != SourceStrategy {
		return ErrInvalidSource
	}
	kind, err := r.Kind()
	if err != nil {
		return err
	}
	if ref, ok := (Order{Kind: kind}).ReferencePrice(); ok && !ref.IsPositive() {
		return ErrInvalidPrice
	}
	return nil
}

// Kind returns the tagged order variant for the request
func (r OrderRequest) Kind() (OrderKind, error) {
	kind, err := kindFromWire(r.Type, r.LimitPrice, r.StopPrice)
	if err != nil {
		if err == ErrMissingPrice {
			return nil, err
		}
		return nil, ErrInvalidOrderType
	}
	return kind, nil
}

// NewOrder validates req and builds a pending order from it
func NewOrder(req OrderRequest, id string, now time.Time) (Order, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	kind, _ := req.Kind()
	return Order{
		ID:          id,
		AccountID:   req.AccountID,
		RequestID:   req.RequestID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Kind:        kind,
		Quantity:    req.Quantity,
		TimeInForce: req.TimeInForce,
		Source:      req.Source,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
