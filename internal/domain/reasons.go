package domain

import "strings"

// Reason is a stable machine-readable code explaining an order outcome
type Reason string

// Risk rejections, produced by the admission check
const (
	ReasonRiskInvalidQuantity      Reason = "risk_invalid_quantity"
	ReasonRiskAccountFrozen        Reason = "risk_account_frozen"
	ReasonRiskAccountCooldown      Reason = "risk_account_cooldown"
	ReasonRiskSymbolHalted         Reason = "risk_symbol_halted"
	ReasonRiskRateLimited          Reason = "risk_rate_limited"
	ReasonRiskOrderNotionalLimit   Reason = "risk_order_notional_limit"
	ReasonRiskAccountNotionalLimit Reason = "risk_account_notional_limit"
	ReasonRiskDailyNotionalLimit   Reason = "risk_daily_notional_limit"
)

// Settlement rejections, produced by execution or the ledger guard
const (
	ReasonSettlementInsufficientCash      Reason = "settlement_insufficient_cash"
	ReasonSettlementInsufficientPosition  Reason = "settlement_insufficient_position"
	ReasonSettlementNoQuote               Reason = "settlement_no_quote"
	ReasonSettlementInsufficientLiquidity Reason = "settlement_insufficient_liquidity"
	ReasonSettlementInvalidPrice          Reason = "settlement_invalid_price"
	ReasonSettlementFillFailed            Reason = "settlement_fill_failed"
)

// Cancellation reasons
const (
	ReasonCancelledByClient Reason = "cancelled_by_client"
	ReasonCancelledExpired  Reason = "cancelled_expired"
)

// IsRisk reports whether r came from the risk check
func (r Reason) IsRisk() bool {
	return strings.HasPrefix(string(r), "risk_")
}

// IsSettlement reports whether r came from settlement
func (r Reason) IsSettlement() bool {
	return strings.HasPrefix(string(r), "settlement_")
}
