package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
)

// EventKind identifies a ledger mutation
type EventKind string

const (
	EventAccountOpened  EventKind = "account_opened"
	EventAccountFrozen  EventKind = "account_frozen"
	EventOrderAdmitted  EventKind = "order_admitted"
	EventFillApplied    EventKind = "fill_applied"
	EventOrderCancelled EventKind = "order_cancelled"
	EventOrderRejected  EventKind = "order_rejected"
	EventQuoteTick      EventKind = "quote_tick"
)

// Event is one input to Apply. Which fields are set depends on Kind.
type Event struct {
	Kind        EventKind        `json:"kind"`
	Order       *domain.Order    `json:"order,omitempty"`
	OrderID     string           `json:"order_id,omitempty"`
	Reason      domain.Reason    `json:"reason,omitempty"`
	Fill        *domain.Fill     `json:"fill,omitempty"`
	Quote       *domain.Quote    `json:"quote,omitempty"`
	InitialCash *decimal.Decimal `json:"initial_cash,omitempty"`
	Message     string           `json:"message,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// OrderAdmitted records an order that passed admission
func OrderAdmitted(order domain.Order) Event {
	o := order.Clone()
	return Event{Kind: EventOrderAdmitted, Order: &o, OrderID: o.ID, Timestamp: o.CreatedAt}
}

// FillApplied records an execution against an open order
func FillApplied(fill domain.Fill) Event {
	f := fill
	return Event{Kind: EventFillApplied, Fill: &f, OrderID: f.OrderID, Timestamp: f.Timestamp}
}

// OrderCancelled records a client cancel or an expiry
func OrderCancelled(orderID string, reason domain.Reason, at time.Time) Event {
	return Event{Kind: EventOrderCancelled, OrderID: orderID, Reason: reason, Timestamp: at}
}

// OrderRejected records a settlement rejection of an admitted order
func OrderRejected(orderID string, reason domain.Reason, at time.Time) Event {
	return Event{Kind: EventOrderRejected, OrderID: orderID, Reason: reason, Timestamp: at}
}

// QuoteTick marks positions in the quote's symbol to market
func QuoteTick(q domain.Quote) Event {
	quote := q
	return Event{Kind: EventQuoteTick, Quote: &quote, Timestamp: q.Timestamp}
}

// Record is one durable journal entry. Order holds the affected order's
// state after the event, when there is one.
type Record struct {
	Seq        int64           `json:"seq,omitempty"`
	AccountID  string          `json:"account_id"`
	Version    uint64          `json:"version"`
	Event      Event           `json:"event"`
	Order      *domain.Order   `json:"order,omitempty"`
	Cash       decimal.Decimal `json:"cash"`
	Frozen     bool            `json:"frozen"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Journal persists records before they are committed in memory
type Journal interface {
	Append(ctx context.Context, rec Record) error
}
