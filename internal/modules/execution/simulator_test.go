package execution

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestSimulator(cfg Config) *Simulator {
	return NewSimulator(cfg, zerolog.New(nil).Level(zerolog.Disabled))
}

func q(price string) domain.Quote {
	return domain.Quote{Symbol: "AAPL", Price: d(price), Timestamp: time.Unix(1700000000, 0).UTC()}
}

func order(side domain.Side, kind domain.OrderKind, qty string) domain.Order {
	return domain.Order{ID: "o1", AccountID: "acc", Symbol: "AAPL", Side: side, Kind: kind, Quantity: d(qty)}
}

func richView() AccountView {
	return AccountView{Cash: d("1000000"), Holdings: map[string]decimal.Decimal{"AAPL": d("1000")}}
}

func TestExecute_MarketFillsFullyAtQuote(t *testing.T) {
	sim := newTestSimulator(Config{})

	res := sim.Execute(order(domain.SideBuy, domain.MarketOrder{}, "10"), q("150"), AccountView{Cash: d("10000")})
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("10").Equal(res.Fill.Quantity))
	assert.True(t, d("150").Equal(res.Fill.Price))
	assert.True(t, res.Fill.Fee.IsZero())
	assert.Equal(t, "o1", res.Fill.OrderID)
	assert.Equal(t, q("150").Timestamp, res.Fill.Timestamp)
}

func TestExecute_MarketWithoutQuoteRejected(t *testing.T) {
	sim := newTestSimulator(Config{})

	res := sim.Execute(order(domain.SideBuy, domain.MarketOrder{}, "1"), domain.Quote{}, richView())
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.ReasonSettlementNoQuote, res.Reason)
}

func TestExecute_LimitBuy(t *testing.T) {
	sim := newTestSimulator(Config{})
	buy := order(domain.SideBuy, domain.LimitOrder{Limit: d("150")}, "5")

	assert.Equal(t, OutcomePending, sim.Execute(buy, q("150.01"), richView()).Outcome)

	res := sim.Execute(buy, q("149"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("149").Equal(res.Fill.Price), "arriving buy fills at min(price, limit)")

	res = sim.Execute(buy, q("150"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("150").Equal(res.Fill.Price))
}

func TestExecute_LimitSell(t *testing.T) {
	sim := newTestSimulator(Config{})
	sell := order(domain.SideSell, domain.LimitOrder{Limit: d("160")}, "10")
	view := AccountView{Cash: d("0"), Holdings: map[string]decimal.Decimal{"AAPL": d("10")}}

	assert.Equal(t, OutcomePending, sim.Execute(sell, q("152"), view).Outcome)
	assert.Equal(t, OutcomePending, sim.Execute(sell, q("158"), view).Outcome)

	arriving := sim.Execute(sell, q("161"), view)
	require.Equal(t, OutcomeFilled, arriving.Outcome)
	assert.True(t, d("161").Equal(arriving.Fill.Price), "arriving sell fills at max(price, limit)")

	assert.Equal(t, OutcomePending, sim.Reevaluate(sell, q("158"), view).Outcome)
	res := sim.Reevaluate(sell, q("161"), view)
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("160").Equal(res.Fill.Price), "resting sell fills at its limit, not the quote")
	assert.True(t, d("10").Equal(res.Fill.Quantity))
}

func TestReevaluate_RestingLimitIgnoresSlippage(t *testing.T) {
	sim := newTestSimulator(Config{Slippage: LinearSlippage{BpsPerUnit: d("1"), MaxBps: d("50")}})
	buy := order(domain.SideBuy, domain.LimitOrder{Limit: d("100")}, "10")

	res := sim.Reevaluate(buy, q("99"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("100").Equal(res.Fill.Price))

	// Stops are market orders once triggered, resting or not
	stop := order(domain.SideBuy, domain.StopOrder{Stop: d("100")}, "10")
	res = sim.Reevaluate(stop, q("100"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("100.1").Equal(res.Fill.Price), res.Fill.Price.String())
}

func TestExecute_LimitWithoutQuoteStaysPending(t *testing.T) {
	sim := newTestSimulator(Config{})
	res := sim.Execute(order(domain.SideBuy, domain.LimitOrder{Limit: d("1")}, "1"), domain.Quote{}, richView())
	assert.Equal(t, OutcomePending, res.Outcome)
}

func TestExecute_StopTriggersThenActsAsMarket(t *testing.T) {
	sim := newTestSimulator(Config{})
	stop := order(domain.SideSell, domain.StopOrder{Stop: d("140")}, "3")

	res := sim.Execute(stop, q("141"), richView())
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.False(t, res.Triggered)

	res = sim.Execute(stop, q("139.5"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, res.Triggered)
	assert.True(t, d("139.5").Equal(res.Fill.Price))

	buyStop := order(domain.SideBuy, domain.StopOrder{Stop: d("150")}, "1")
	assert.Equal(t, OutcomePending, sim.Execute(buyStop, q("149.99"), richView()).Outcome)
	assert.Equal(t, OutcomeFilled, sim.Execute(buyStop, q("150"), richView()).Outcome)
}

func TestExecute_LinearSlippage(t *testing.T) {
	sim := newTestSimulator(Config{Slippage: LinearSlippage{BpsPerUnit: d("1"), MaxBps: d("50")}})

	// 10 units -> 10 bps against the buyer
	res := sim.Execute(order(domain.SideBuy, domain.MarketOrder{}, "10"), q("100"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("100.1").Equal(res.Fill.Price), res.Fill.Price.String())

	// Capped at 50 bps, in the seller's disfavor
	res = sim.Execute(order(domain.SideSell, domain.MarketOrder{}, "100"), q("100"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("99.5").Equal(res.Fill.Price), res.Fill.Price.String())

	// Limit price still caps a slipped buy
	res = sim.Execute(order(domain.SideBuy, domain.LimitOrder{Limit: d("100.05")}, "10"), q("100"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("100.05").Equal(res.Fill.Price), res.Fill.Price.String())
}

func TestLinearSlippage_LargeSellStaysPositive(t *testing.T) {
	slip := LinearSlippage{BpsPerUnit: d("1")}

	for _, qty := range []string{"9999", "10000", "25000"} {
		price := slip.Apply(domain.SideSell, d(qty), d("10"))
		assert.True(t, price.IsPositive(), "qty %s slipped to %s", qty, price)
	}
	assert.True(t, d("0.001").Equal(slip.Apply(domain.SideSell, d("10000"), d("10"))))
	assert.True(t, d("20").Equal(slip.Apply(domain.SideBuy, d("10000"), d("10"))), "buys are not floored")
}

type flatSlippage struct{ price decimal.Decimal }

func (f flatSlippage) Apply(domain.Side, decimal.Decimal, decimal.Decimal) decimal.Decimal {
	return f.price
}

func TestExecute_NonPositivePriceRejected(t *testing.T) {
	sim := newTestSimulator(Config{Slippage: flatSlippage{price: decimal.Zero}})

	res := sim.Execute(order(domain.SideSell, domain.MarketOrder{}, "10"), q("10"), richView())
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.ReasonSettlementInvalidPrice, res.Reason)
	assert.True(t, res.Reason.IsSettlement())

	uncapped := newTestSimulator(Config{Slippage: LinearSlippage{BpsPerUnit: d("1")}})
	view := AccountView{Holdings: map[string]decimal.Decimal{"AAPL": d("10000")}}
	res = uncapped.Execute(order(domain.SideSell, domain.MarketOrder{}, "10000"), q("10"), view)
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, res.Fill.Price.IsPositive())
}

func TestExecute_LiquidityCapsLimitButRejectsMarket(t *testing.T) {
	sim := newTestSimulator(Config{Liquidity: FixedLiquidity{MaxQuantity: d("4")}})

	res := sim.Execute(order(domain.SideBuy, domain.LimitOrder{Limit: d("200")}, "10"), q("150"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("4").Equal(res.Fill.Quantity), "limit orders partially fill")

	partly := order(domain.SideBuy, domain.LimitOrder{Limit: d("200")}, "10")
	partly.Fills = []domain.Fill{{Quantity: d("8")}}
	res = sim.Execute(partly, q("150"), richView())
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("2").Equal(res.Fill.Quantity), "only the remainder fills")

	res = sim.Execute(order(domain.SideBuy, domain.MarketOrder{}, "10"), q("150"), richView())
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.ReasonSettlementInsufficientLiquidity, res.Reason)
}

func TestExecute_SettlementChecks(t *testing.T) {
	sim := newTestSimulator(Config{Fees: RateFee{Rate: d("0.001"), Min: d("1")}})

	// 10 x 150 = 1500 + 1.5 fee > 1500 cash
	res := sim.Execute(order(domain.SideBuy, domain.MarketOrder{}, "10"), q("150"), AccountView{Cash: d("1500")})
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.ReasonSettlementInsufficientCash, res.Reason)

	res = sim.Execute(order(domain.SideBuy, domain.MarketOrder{}, "10"), q("150"), AccountView{Cash: d("1501.5")})
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, d("1.5").Equal(res.Fill.Fee))

	res = sim.Execute(order(domain.SideSell, domain.MarketOrder{}, "11"), q("150"), AccountView{Holdings: map[string]decimal.Decimal{"AAPL": d("10")}})
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.ReasonSettlementInsufficientPosition, res.Reason)
	assert.True(t, res.Reason.IsSettlement())
}

func TestRateFee_Minimum(t *testing.T) {
	fee := RateFee{Rate: d("0.001"), Min: d("1")}
	assert.True(t, d("1").Equal(fee.Fee(d("100"))))
	assert.True(t, d("2").Equal(fee.Fee(d("2000"))))
}

func TestExecute_Deterministic(t *testing.T) {
	sim := newTestSimulator(Config{Slippage: LinearSlippage{BpsPerUnit: d("0.5")}, Fees: RateFee{Rate: d("0.0005")}})
	o := order(domain.SideBuy, domain.LimitOrder{Limit: d("151")}, "7")

	first := sim.Execute(o, q("150.25"), richView())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, sim.Execute(o, q("150.25"), richView()))
	}
}
