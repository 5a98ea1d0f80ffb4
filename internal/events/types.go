// Package events defines the typed payloads fanned out to stream subscribers.
package events

// EventType represents different event types
type EventType string

const (
	// Symbol topic events
	QuoteUpdated EventType = "QUOTE_UPDATED"

	// Account topic events
	PortfolioSnapshot EventType = "PORTFOLIO_SNAPSHOT"
	OrderUpdated      EventType = "ORDER_UPDATED"

	// Emitted on both topic kinds
	RiskStateChanged EventType = "RISK_STATE_CHANGED"

	// Stream control
	Disconnected EventType = "DISCONNECTED"
)

// RiskEventKind enumerates circuit and regime transitions
type RiskEventKind string

const (
	SymbolNormal   RiskEventKind = "symbol_normal"
	SymbolElevated RiskEventKind = "symbol_elevated"
	SymbolHalted   RiskEventKind = "symbol_halted"
	SymbolResumed  RiskEventKind = "symbol_resumed"
	AccountHalted  RiskEventKind = "account_halted"
	AccountResumed RiskEventKind = "account_resumed"
	AccountFrozen  RiskEventKind = "account_frozen"
)

// DisconnectReason explains why the broadcaster dropped a subscriber
type DisconnectReason string

const (
	DisconnectBackpressure DisconnectReason = "backpressure"
	DisconnectShutdown     DisconnectReason = "shutdown"
)

// Publisher accepts events for a topic. Implementations must not block.
type Publisher interface {
	Publish(topic string, data EventData)
}
