package events

import (
	"time"

	"github.com/aristath/tradecore/internal/domain"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// QuoteData carries a normalized price tick
type QuoteData struct {
	domain.Quote
}

// EventType returns the event type for QuoteData
func (d *QuoteData) EventType() EventType {
	return QuoteUpdated
}

// SnapshotData carries a full versioned account view
type SnapshotData struct {
	domain.PortfolioSnapshot
}

// EventType returns the event type for SnapshotData
func (d *SnapshotData) EventType() EventType {
	return PortfolioSnapshot
}

// OrderUpdateData carries the state of one order after a transition
type OrderUpdateData struct {
	Order           domain.Order `json:"order"`
	SnapshotVersion uint64       `json:"snapshot_version,omitempty"`
}

// EventType returns the event type for OrderUpdateData
func (d *OrderUpdateData) EventType() EventType {
	return OrderUpdated
}

// RiskEventData describes a regime change or circuit trip
type RiskEventData struct {
	Kind       RiskEventKind `json:"kind"`
	Symbol     string        `json:"symbol,omitempty"`
	AccountID  string        `json:"account_id,omitempty"`
	Regime     string        `json:"regime,omitempty"`
	Volatility float64       `json:"volatility,omitempty"`
	Until      *time.Time    `json:"until,omitempty"`
	Message    string        `json:"message,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// EventType returns the event type for RiskEventData
func (d *RiskEventData) EventType() EventType {
	return RiskStateChanged
}

// DisconnectedData is the final message a dropped subscriber receives
type DisconnectedData struct {
	Reason DisconnectReason `json:"reason"`
}

// EventType returns the event type for DisconnectedData
func (d *DisconnectedData) EventType() EventType {
	return Disconnected
}
