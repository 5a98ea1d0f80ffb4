package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/events"
)

// Regime is the volatility state of a symbol
type Regime string

const (
	RegimeNormal   Regime = "NORMAL"
	RegimeElevated Regime = "ELEVATED"
	RegimeHalted   Regime = "HALTED"
)

// Action is the admission outcome
type Action string

const (
	ActionAdmit    Action = "ADMIT"
	ActionReject   Action = "REJECT"
	ActionThrottle Action = "THROTTLE"
)

// Decision is the result of Admit. Throttle is advisory; the guard never queues.
type Decision struct {
	Action Action
	Reason domain.Reason
	Delay  time.Duration
}

// Admitted reports whether the order may proceed
func (d Decision) Admitted() bool {
	return d.Action == ActionAdmit
}

func admit() Decision {
	return Decision{Action: ActionAdmit}
}

func reject(reason domain.Reason) Decision {
	return Decision{Action: ActionReject, Reason: reason}
}

func throttle(delay time.Duration) Decision {
	return Decision{Action: ActionThrottle, Reason: domain.ReasonRiskRateLimited, Delay: delay}
}

// Exposure is the account state the admission check needs. Held and
// PendingSell refer to the symbol of the order being admitted.
type Exposure struct {
	OpenNotional decimal.Decimal
	Frozen       bool
	Held         decimal.Decimal
	PendingSell  decimal.Decimal
}

// ExposureOf builds the admission view of snap for an order in symbol
func ExposureOf(snap domain.PortfolioSnapshot, symbol string) Exposure {
	e := Exposure{
		OpenNotional: snap.Exposure(),
		Frozen:       snap.Frozen,
		Held:         decimal.Zero,
		PendingSell:  decimal.Zero,
	}
	if p, ok := snap.Position(symbol); ok {
		e.Held = p.Quantity
	}
	for _, o := range snap.OpenOrders {
		if o.Symbol == symbol && o.Side == domain.SideSell {
			e.PendingSell = e.PendingSell.Add(o.Remaining())
		}
	}
	return e
}

// projected returns the open notional after an order of qty at price fills.
// The part of a sell covered by unencumbered holdings reduces exposure.
func (e Exposure) projected(side domain.Side, qty, price decimal.Decimal) decimal.Decimal {
	if side != domain.SideSell {
		return e.OpenNotional.Add(qty.Mul(price))
	}
	free := decimal.Max(e.Held.Sub(e.PendingSell), decimal.Zero)
	reducing := decimal.Min(qty, free)
	return e.OpenNotional.Sub(reducing.Mul(price)).Add(qty.Sub(reducing).Mul(price))
}

// PriceSource supplies the reference price for market orders
type PriceSource interface {
	Last(symbol string) (domain.Quote, bool)
}

// SymbolState is a read-only view of a symbol's risk state
type SymbolState struct {
	Symbol      string    `json:"symbol"`
	Regime      Regime    `json:"regime"`
	Volatility  float64   `json:"volatility"`
	HaltedUntil time.Time `json:"halted_until,omitempty"`
}

// AccountState is a read-only view of an account's risk state
type AccountState struct {
	AccountID        string          `json:"account_id"`
	TradingDay       string          `json:"trading_day"`
	DailyNotional    decimal.Decimal `json:"daily_notional"`
	CooldownUntil    time.Time       `json:"cooldown_until,omitempty"`
	RecentRejections int             `json:"recent_rejections"`
	RecentOrders     int             `json:"recent_orders"`
}

type symbolRisk struct {
	mu          sync.Mutex
	symbol      string
	regime      Regime
	volatility  float64
	haltedUntil time.Time
	estimator   VolatilityEstimator
}

type accountRisk struct {
	mu            sync.Mutex
	id            string
	day           string
	dailyNotional decimal.Decimal
	cooldownUntil time.Time
	rejections    []time.Time
	orders        []time.Time
}

// Guard evaluates admission and owns all risk state.
// Lock order: account state before symbol state.
type Guard struct {
	cfg          Config
	prices       PriceSource
	publisher    events.Publisher
	newEstimator func() VolatilityEstimator

	mu       sync.RWMutex
	symbols  map[string]*symbolRisk
	accounts map[string]*accountRisk

	log zerolog.Logger
}

// NewGuard creates a guard. prices and publisher may be nil.
func NewGuard(cfg Config, prices PriceSource, publisher events.Publisher, log zerolog.Logger) *Guard {
	window := cfg.VolatilityWindow
	return &Guard{
		cfg:          cfg,
		prices:       prices,
		publisher:    publisher,
		newEstimator: func() VolatilityEstimator { return NewRollingStdDev(window) },
		symbols:      make(map[string]*symbolRisk),
		accounts:     make(map[string]*accountRisk),
		log:          log.With().Str("component", "risk_guard").Logger(),
	}
}

// SetEstimatorFactory replaces the volatility model for symbols seen after the call
func (g *Guard) SetEstimatorFactory(fn func() VolatilityEstimator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.newEstimator = fn
}

// Config returns the active limits
func (g *Guard) Config() Config {
	return g.cfg
}

// ObserveQuote feeds a quote into the symbol's volatility model and
// returns the resulting regime. Halts are timed from now, the same clock
// Admit and Sweep are called with, never from the provider timestamp.
func (g *Guard) ObserveQuote(q domain.Quote, now time.Time) Regime {
	s := g.symbol(q.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.refreshLocked(s, now) == RegimeHalted {
		return RegimeHalted
	}

	vol, ok := s.estimator.Observe(q.Price)
	if !ok {
		return s.regime
	}
	s.volatility = vol

	switch {
	case g.cfg.HaltVolatility > 0 && vol >= g.cfg.HaltVolatility:
		s.regime = RegimeHalted
		s.haltedUntil = now.Add(g.cfg.HaltCooldown)
		g.log.Warn().
			Str("symbol", s.symbol).
			Float64("volatility", vol).
			Time("halted_until", s.haltedUntil).
			Msg("Symbol halted on volatility breach")
		g.publishSymbol(s, events.SymbolHalted, q.Timestamp)
	case g.cfg.ElevatedVolatility > 0 && vol >= g.cfg.ElevatedVolatility:
		if s.regime != RegimeElevated {
			s.regime = RegimeElevated
			g.log.Info().Str("symbol", s.symbol).Float64("volatility", vol).Msg("Symbol volatility elevated")
			g.publishSymbol(s, events.SymbolElevated, q.Timestamp)
		}
	default:
		if s.regime == RegimeElevated {
			s.regime = RegimeNormal
			g.log.Info().Str("symbol", s.symbol).Float64("volatility", vol).Msg("Symbol volatility normal")
			g.publishSymbol(s, events.SymbolNormal, q.Timestamp)
		}
	}
	return s.regime
}

// Admit runs the admission checks in a fixed order. It is deterministic for
// a given state, order and now.
func (g *Guard) Admit(order domain.Order, exposure Exposure, now time.Time) Decision {
	if !order.Quantity.IsPositive() {
		return reject(domain.ReasonRiskInvalidQuantity)
	}
	if exposure.Frozen {
		return reject(domain.ReasonRiskAccountFrozen)
	}

	a := g.account(order.AccountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if now.Before(a.cooldownUntil) {
		return reject(domain.ReasonRiskAccountCooldown)
	}

	s := g.symbol(order.Symbol)
	s.mu.Lock()
	regime := g.refreshLocked(s, now)
	s.mu.Unlock()

	if regime == RegimeHalted {
		return g.rejectLocked(a, domain.ReasonRiskSymbolHalted, now)
	}

	if g.cfg.MaxOrdersPerWindow > 0 && g.cfg.RateWindow > 0 {
		a.orders = prune(a.orders, now.Add(-g.cfg.RateWindow))
		if len(a.orders) >= g.cfg.MaxOrdersPerWindow {
			return throttle(a.orders[0].Add(g.cfg.RateWindow).Sub(now))
		}
	}

	if price, priced := g.price(order); priced {
		notional := order.Quantity.Mul(price)
		limit := g.cfg.MaxOrderNotional
		if regime == RegimeElevated && g.cfg.ElevatedNotionalFactor.IsPositive() {
			limit = limit.Mul(g.cfg.ElevatedNotionalFactor)
		}
		if limit.IsPositive() && notional.GreaterThan(limit) {
			return g.rejectLocked(a, domain.ReasonRiskOrderNotionalLimit, now)
		}
		// Orders that lower exposure are always allowed through
		projected := exposure.projected(order.Side, order.Quantity, price)
		if g.cfg.MaxAccountNotional.IsPositive() && projected.GreaterThan(g.cfg.MaxAccountNotional) &&
			projected.GreaterThan(exposure.OpenNotional) {
			return g.rejectLocked(a, domain.ReasonRiskAccountNotionalLimit, now)
		}
		g.rollDayLocked(a, now)
		if g.cfg.MaxDailyNotional.IsPositive() && a.dailyNotional.Add(notional).GreaterThan(g.cfg.MaxDailyNotional) {
			return g.rejectLocked(a, domain.ReasonRiskDailyNotionalLimit, now)
		}
	}

	a.orders = append(a.orders, now)
	return admit()
}

// RecordFill adds executed notional to the account's daily total
func (g *Guard) RecordFill(accountID string, notional decimal.Decimal, at time.Time) {
	a := g.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	g.rollDayLocked(a, at)
	a.dailyNotional = a.dailyNotional.Add(notional)
}

// RecordRejection counts a settlement rejection toward the reject-storm breaker.
// It returns true if the account was put into cooldown.
func (g *Guard) RecordRejection(accountID string, at time.Time) bool {
	a := g.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return g.recordRejectionLocked(a, at)
}

// IsHalted reports whether orders for symbol must not execute at now
func (g *Guard) IsHalted(symbol string, now time.Time) bool {
	s := g.symbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return g.refreshLocked(s, now) == RegimeHalted
}

// Sweep resumes symbols and accounts whose halt or cooldown has expired.
// It returns the number of resumed symbols and accounts.
func (g *Guard) Sweep(now time.Time) int {
	g.mu.RLock()
	symbols := make([]*symbolRisk, 0, len(g.symbols))
	for _, s := range g.symbols {
		symbols = append(symbols, s)
	}
	accounts := make([]*accountRisk, 0, len(g.accounts))
	for _, a := range g.accounts {
		accounts = append(accounts, a)
	}
	g.mu.RUnlock()

	resumed := 0
	for _, s := range symbols {
		s.mu.Lock()
		wasHalted := s.regime == RegimeHalted
		if wasHalted && g.refreshLocked(s, now) != RegimeHalted {
			resumed++
		}
		s.mu.Unlock()
	}

	for _, a := range accounts {
		a.mu.Lock()
		if !a.cooldownUntil.IsZero() && !now.Before(a.cooldownUntil) {
			a.cooldownUntil = time.Time{}
			resumed++
			g.log.Info().Str("account_id", a.id).Msg("Account cooldown expired")
			g.publishAccount(a.id, events.AccountResumed, nil, "", now)
		}
		a.mu.Unlock()
	}
	return resumed
}

// LookupSymbol returns the risk state of a symbol the guard has observed
func (g *Guard) LookupSymbol(symbol string) (SymbolState, bool) {
	g.mu.RLock()
	_, ok := g.symbols[symbol]
	g.mu.RUnlock()
	if !ok {
		return SymbolState{}, false
	}
	return g.SymbolState(symbol), true
}

// SymbolState returns the risk state for symbol
func (g *Guard) SymbolState(symbol string) SymbolState {
	s := g.symbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return SymbolState{
		Symbol:      s.symbol,
		Regime:      s.regime,
		Volatility:  s.volatility,
		HaltedUntil: s.haltedUntil,
	}
}

// Symbols returns the risk state of every symbol seen so far
func (g *Guard) Symbols() []SymbolState {
	g.mu.RLock()
	names := make([]string, 0, len(g.symbols))
	for name := range g.symbols {
		names = append(names, name)
	}
	g.mu.RUnlock()

	out := make([]SymbolState, 0, len(names))
	for _, name := range names {
		out = append(out, g.SymbolState(name))
	}
	return out
}

// AccountState returns the risk state for an account
func (g *Guard) AccountState(accountID string, now time.Time) AccountState {
	a := g.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	g.rollDayLocked(a, now)
	a.rejections = prune(a.rejections, now.Add(-g.cfg.RejectStormWindow))
	a.orders = prune(a.orders, now.Add(-g.cfg.RateWindow))
	return AccountState{
		AccountID:        a.id,
		TradingDay:       a.day,
		DailyNotional:    a.dailyNotional,
		CooldownUntil:    a.cooldownUntil,
		RecentRejections: len(a.rejections),
		RecentOrders:     len(a.orders),
	}
}

// refreshLocked resumes a halted symbol once its halt has expired.
// The volatility window is cleared so the breach is not counted again.
func (g *Guard) refreshLocked(s *symbolRisk, now time.Time) Regime {
	if s.regime == RegimeHalted && !now.Before(s.haltedUntil) {
		s.regime = RegimeNormal
		s.haltedUntil = time.Time{}
		s.volatility = 0
		s.estimator.Reset()
		g.log.Info().Str("symbol", s.symbol).Msg("Symbol halt expired, resuming")
		g.publishSymbol(s, events.SymbolResumed, now)
	}
	return s.regime
}

func (g *Guard) rejectLocked(a *accountRisk, reason domain.Reason, now time.Time) Decision {
	g.recordRejectionLocked(a, now)
	return reject(reason)
}

func (g *Guard) recordRejectionLocked(a *accountRisk, now time.Time) bool {
	if g.cfg.RejectStormThreshold <= 0 {
		return false
	}
	a.rejections = append(prune(a.rejections, now.Add(-g.cfg.RejectStormWindow)), now)
	if len(a.rejections) < g.cfg.RejectStormThreshold {
		return false
	}

	a.rejections = nil
	a.cooldownUntil = now.Add(g.cfg.AccountCooldown)
	until := a.cooldownUntil
	g.log.Warn().
		Str("account_id", a.id).
		Int("threshold", g.cfg.RejectStormThreshold).
		Time("cooldown_until", until).
		Msg("Reject storm detected, account in cooldown")
	g.publishAccount(a.id, events.AccountHalted, &until, "reject storm", now)
	return true
}

func (g *Guard) rollDayLocked(a *accountRisk, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if a.day != day {
		a.day = day
		a.dailyNotional = decimal.Zero
	}
}

// price is the order's own reference price, or the last quote for market orders
func (g *Guard) price(order domain.Order) (decimal.Decimal, bool) {
	if ref, ok := order.ReferencePrice(); ok {
		return ref, true
	}
	if g.prices == nil {
		return decimal.Zero, false
	}
	q, ok := g.prices.Last(order.Symbol)
	if !ok {
		return decimal.Zero, false
	}
	return q.Price, true
}

func (g *Guard) publishSymbol(s *symbolRisk, kind events.RiskEventKind, at time.Time) {
	if g.publisher == nil {
		return
	}
	data := &events.RiskEventData{
		Kind:       kind,
		Symbol:     s.symbol,
		Regime:     string(s.regime),
		Volatility: s.volatility,
		Timestamp:  at,
	}
	if !s.haltedUntil.IsZero() {
		until := s.haltedUntil
		data.Until = &until
	}
	g.publisher.Publish(events.SymbolTopic(s.symbol), data)
}

func (g *Guard) publishAccount(accountID string, kind events.RiskEventKind, until *time.Time, msg string, at time.Time) {
	if g.publisher == nil {
		return
	}
	g.publisher.Publish(events.AccountTopic(accountID), &events.RiskEventData{
		Kind:      kind,
		AccountID: accountID,
		Until:     until,
		Message:   msg,
		Timestamp: at,
	})
}

func (g *Guard) symbol(name string) *symbolRisk {
	g.mu.RLock()
	s, ok := g.symbols[name]
	g.mu.RUnlock()
	if ok {
		return s
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok = g.symbols[name]; !ok {
		s = &symbolRisk{symbol: name, regime: RegimeNormal, estimator: g.newEstimator()}
		g.symbols[name] = s
	}
	return s
}

func (g *Guard) account(id string) *accountRisk {
	g.mu.RLock()
	a, ok := g.accounts[id]
	g.mu.RUnlock()
	if ok {
		return a
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok = g.accounts[id]; !ok {
		a = &accountRisk{id: id, dailyNotional: decimal.Zero}
		g.accounts[id] = a
	}
	return a
}

// prune drops timestamps at or before cutoff. times is ascending.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}
