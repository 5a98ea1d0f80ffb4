package execution

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
)

// Outcome is the result kind of one execution attempt
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeFilled   Outcome = "filled"
	OutcomeRejected Outcome = "rejected"
)

// Result of Execute. Fill is set only for OutcomeFilled; its quantity may be
// less than the order's remaining quantity for liquidity-capped limit orders.
type Result struct {
	Outcome   Outcome
	Fill      domain.Fill
	Triggered bool
	Reason    domain.Reason
}

// AccountView is the account state settlement checks need
type AccountView struct {
	Cash     decimal.Decimal
	Holdings map[string]decimal.Decimal
}

// ViewOf builds an AccountView from a snapshot
func ViewOf(s domain.PortfolioSnapshot) AccountView {
	return AccountView{Cash: s.Cash, Holdings: s.Holdings()}
}

// Config selects the pluggable models. Nil fields use the defaults.
type Config struct {
	Slippage  SlippageModel
	Liquidity LiquidityModel
	Fees      FeeModel
}

// Simulator turns an order and a quote into a fill decision. It holds no
// mutable state and is safe for concurrent use.
type Simulator struct {
	slippage  SlippageModel
	liquidity LiquidityModel
	fees      FeeModel
	log       zerolog.Logger
}

// NewSimulator creates a simulator
func NewSimulator(cfg Config, log zerolog.Logger) *Simulator {
	s := &Simulator{
		slippage:  cfg.Slippage,
		liquidity: cfg.Liquidity,
		fees:      cfg.Fees,
		log:       log.With().Str("component", "execution_simulator").Logger(),
	}
	if s.slippage == nil {
		s.slippage = NoSlippage{}
	}
	if s.liquidity == nil {
		s.liquidity = UnlimitedLiquidity{}
	}
	if s.fees == nil {
		s.fees = NoFee{}
	}
	return s
}

// Execute decides what happens to an arriving order at quote. A zero quote
// means no price is known for the symbol.
func (s *Simulator) Execute(order domain.Order, quote domain.Quote, view AccountView) Result {
	return s.execute(order, quote, view, false)
}

// Reevaluate decides what happens to a resting order when a new quote
// arrives. Resting limit orders the market trades through fill at their limit.
func (s *Simulator) Reevaluate(order domain.Order, quote domain.Quote, view AccountView) Result {
	return s.execute(order, quote, view, true)
}

func (s *Simulator) execute(order domain.Order, quote domain.Quote, view AccountView, resting bool) Result {
	remaining := order.Remaining()
	if !remaining.IsPositive() {
		return Result{Outcome: OutcomePending}
	}

	switch k := order.Kind.(type) {
	case domain.LimitOrder:
		if quote.IsZero() {
			return Result{Outcome: OutcomePending}
		}
		return s.executeLimit(order, k.Limit, remaining, quote, view, resting)
	case domain.StopOrder:
		if !order.Triggered {
			if quote.IsZero() || !stopCrossed(order.Side, k.Stop, quote.Price) {
				return Result{Outcome: OutcomePending}
			}
		}
		res := s.executeMarket(order, remaining, quote, view)
		res.Triggered = true
		return res
	default:
		return s.executeMarket(order, remaining, quote, view)
	}
}

func (s *Simulator) executeMarket(order domain.Order, qty decimal.Decimal, quote domain.Quote, view AccountView) Result {
	if quote.IsZero() {
		return rejected(domain.ReasonSettlementNoQuote)
	}
	if available, bounded := s.liquidity.Available(quote); bounded && available.LessThan(qty) {
		return rejected(domain.ReasonSettlementInsufficientLiquidity)
	}

	price := s.slippage.Apply(order.Side, qty, quote.Price)
	return s.settle(order, qty, price, quote, view)
}

func (s *Simulator) executeLimit(order domain.Order, limit, qty decimal.Decimal, quote domain.Quote, view AccountView, resting bool) Result {
	if !limitMarketable(order.Side, limit, quote.Price) {
		return Result{Outcome: OutcomePending}
	}

	if available, bounded := s.liquidity.Available(quote); bounded && available.LessThan(qty) {
		qty = available
	}
	if !qty.IsPositive() {
		return Result{Outcome: OutcomePending}
	}

	if resting {
		return s.settle(order, qty, limit, quote, view)
	}

	// An arriving order takes the quote, slipped but never past its limit
	price := s.slippage.Apply(order.Side, qty, quote.Price)
	if order.Side == domain.SideBuy {
		price = decimal.Min(price, limit)
	} else {
		price = decimal.Max(price, limit)
	}
	return s.settle(order, qty, price, quote, view)
}

func (s *Simulator) settle(order domain.Order, qty, price decimal.Decimal, quote domain.Quote, view AccountView) Result {
	if !price.IsPositive() {
		s.log.Warn().Str("order_id", order.ID).Str("price", price.String()).Msg("Non-positive execution price")
		return rejected(domain.ReasonSettlementInvalidPrice)
	}

	notional := qty.Mul(price)
	fee := s.fees.Fee(notional)

	switch order.Side {
	case domain.SideBuy:
		if notional.Add(fee).GreaterThan(view.Cash) {
			s.log.Debug().Str("order_id", order.ID).Str("required", notional.Add(fee).String()).Str("cash", view.Cash.String()).Msg("Insufficient cash")
			return rejected(domain.ReasonSettlementInsufficientCash)
		}
	case domain.SideSell:
		if qty.GreaterThan(view.Holdings[order.Symbol]) {
			s.log.Debug().Str("order_id", order.ID).Str("quantity", qty.String()).Msg("Insufficient position")
			return rejected(domain.ReasonSettlementInsufficientPosition)
		}
	}

	return Result{
		Outcome: OutcomeFilled,
		Fill: domain.Fill{
			OrderID:   order.ID,
			AccountID: order.AccountID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  qty,
			Price:     price,
			Fee:       fee,
			Timestamp: quote.Timestamp,
		},
	}
}

func rejected(reason domain.Reason) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason}
}

// limitMarketable: buy when price <= limit, sell when price >= limit
func limitMarketable(side domain.Side, limit, price decimal.Decimal) bool {
	if side == domain.SideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// stopCrossed: buy stops trigger at or above the stop, sell stops at or below
func stopCrossed(side domain.Side, stop, price decimal.Decimal) bool {
	if side == domain.SideBuy {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}
