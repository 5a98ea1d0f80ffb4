// Package strategy runs automated participants that trade off the event
// stream through the same admission path as manual orders.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/modules/broadcast"
	"github.com/aristath/tradecore/internal/modules/trading"
)

const (
	baseResubscribeDelay = 100 * time.Millisecond
	maxResubscribeDelay  = 10 * time.Second
)

// Config describes one SMA crossover participant
type Config struct {
	AccountID  string
	Symbols    []string
	FastWindow int
	SlowWindow int
	Quantity   decimal.Decimal
}

// Validate checks the crossover parameters
func (c Config) Validate() error {
	if c.AccountID == "" {
		return errors.New("strategy account is required")
	}
	if len(c.Symbols) == 0 {
		return errors.New("strategy needs at least one symbol")
	}
	if c.FastWindow < 1 || c.SlowWindow <= c.FastWindow {
		return fmt.Errorf("invalid windows fast=%d slow=%d: need 1 <= fast < slow", c.FastWindow, c.SlowWindow)
	}
	if !c.Quantity.IsPositive() {
		return errors.New("strategy quantity must be positive")
	}
	return nil
}

// Source hands out revocable topic subscriptions
type Source interface {
	Subscribe(topic string) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

// Trader accepts orders and reports the account's current state
type Trader interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (trading.SubmitResult, error)
	Snapshot(accountID string) (domain.PortfolioSnapshot, error)
}

// Signal is one crossover decision
type Signal struct {
	Symbol string
	Side   domain.Side
	Fast   float64
	Slow   float64
	At     time.Time
}

// Runner buys on a golden cross (fast SMA crosses above slow) and flattens the
// position on a death cross.
type Runner struct {
	cfg    Config
	source Source
	orders Trader
	log    zerolog.Logger

	mu        sync.Mutex
	closes    map[string][]float64
	holdings  map[string]decimal.Decimal
	version   uint64
	submitted int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a crossover runner
func NewRunner(cfg Config, source Source, orders Trader, log zerolog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		cfg:      cfg,
		source:   source,
		orders:   orders,
		log:      log.With().Str("component", "sma_strategy").Str("account_id", cfg.AccountID).Logger(),
		closes:   make(map[string][]float64),
		holdings: make(map[string]decimal.Decimal),
	}, nil
}

// Start subscribes to the account topic and every symbol topic. Events are
// handled on background goroutines until Stop or ctx cancellation.
func (r *Runner) Start(ctx context.Context) error {
	topics := []string{events.AccountTopic(r.cfg.AccountID)}
	for _, s := range r.cfg.Symbols {
		topics = append(topics, events.SymbolTopic(s))
	}

	subs := make([]*broadcast.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := r.source.Subscribe(topic)
		if err != nil {
			for _, s := range subs {
				r.source.Unsubscribe(s)
			}
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	for i, sub := range subs {
		r.wg.Add(1)
		go r.consume(ctx, topics[i], sub)
	}

	r.log.Info().
		Strs("symbols", r.cfg.Symbols).
		Int("fast", r.cfg.FastWindow).
		Int("slow", r.cfg.SlowWindow).
		Msg("Strategy started")
	return nil
}

// Stop cancels the runner and waits for its goroutines
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info().Msg("Strategy stopped")
}

// consume drains one subscription and resubscribes when it is dropped for
// backpressure. A shutdown notice ends the loop.
func (r *Runner) consume(ctx context.Context, topic string, sub *broadcast.Subscription) {
	defer r.wg.Done()
	delay := baseResubscribeDelay

	for {
		shutdown := r.drain(ctx, sub)
		r.source.Unsubscribe(sub)
		if shutdown || ctx.Err() != nil {
			return
		}

		r.log.Warn().Str("topic", topic).Dur("delay", delay).Msg("Subscription dropped, resubscribing")
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			next, err := r.source.Subscribe(topic)
			if err == nil {
				sub = next
				delay = baseResubscribeDelay
				break
			}
			r.log.Error().Err(err).Str("topic", topic).Msg("Resubscribe failed")
			delay = min(delay*2, maxResubscribeDelay)
		}
	}
}

// drain handles envelopes until the channel closes. It reports whether the
// broadcaster is shutting down.
func (r *Runner) drain(ctx context.Context, sub *broadcast.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case env, ok := <-sub.Events():
			if !ok {
				return false
			}
			switch data := env.Data.(type) {
			case *events.DisconnectedData:
				return data.Reason == events.DisconnectShutdown
			case *events.SnapshotData:
				r.onSnapshot(data.PortfolioSnapshot)
			case *events.QuoteData:
				r.onQuote(ctx, data.Quote)
			}
		}
	}
}

func (r *Runner) onSnapshot(snap domain.PortfolioSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.Version < r.version {
		return
	}
	r.version = snap.Version
	r.holdings = snap.Holdings()
}

func (r *Runner) onQuote(ctx context.Context, q domain.Quote) {
	sig, ok := r.observe(q)
	if !ok {
		return
	}
	r.act(ctx, sig)
}

// observe records the close and returns a signal when the averages cross
func (r *Runner) observe(q domain.Quote) (Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := r.cfg.SlowWindow + 1
	closes := append(r.closes[q.Symbol], q.Price.InexactFloat64())
	if len(closes) > keep {
		closes = closes[len(closes)-keep:]
	}
	r.closes[q.Symbol] = closes
	if len(closes) < keep {
		return Signal{}, false
	}

	fast := talib.Sma(closes, r.cfg.FastWindow)
	slow := talib.Sma(closes, r.cfg.SlowWindow)
	n := len(closes)
	prevDiff := fast[n-2] - slow[n-2]
	diff := fast[n-1] - slow[n-1]

	held := r.holdings[q.Symbol]
	sig := Signal{Symbol: q.Symbol, Fast: fast[n-1], Slow: slow[n-1], At: q.Timestamp}
	switch {
	case prevDiff <= 0 && diff > 0 && !held.IsPositive():
		sig.Side = domain.SideBuy
	case prevDiff >= 0 && diff < 0 && held.IsPositive():
		sig.Side = domain.SideSell
	default:
		return Signal{}, false
	}
	return sig, true
}

func (r *Runner) act(ctx context.Context, sig Signal) {
	qty := r.cfg.Quantity
	if sig.Side == domain.SideSell {
		r.mu.Lock()
		qty = r.holdings[sig.Symbol]
		r.mu.Unlock()
	}

	req := domain.OrderRequest{
		AccountID: r.cfg.AccountID,
		RequestID: "sma-" + uuid.NewString(),
		Symbol:    sig.Symbol,
		Side:      sig.Side,
		Type:      domain.OrderTypeMarket,
		Quantity:  qty,
		Source:    domain.SourceStrategy,
	}
	res, err := r.orders.SubmitOrder(ctx, req)
	if err != nil {
		r.log.Error().Err(err).Str("symbol", sig.Symbol).Str("side", string(sig.Side)).Msg("Strategy order refused")
		return
	}

	r.mu.Lock()
	r.submitted++
	r.mu.Unlock()

	// The fill's snapshot may still be queued behind this quote
	if snap, err := r.orders.Snapshot(r.cfg.AccountID); err == nil {
		r.onSnapshot(snap)
	}

	r.log.Info().
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Float64("fast_sma", sig.Fast).
		Float64("slow_sma", sig.Slow).
		Str("status", string(res.Status)).
		Str("reason", string(res.Reason)).
		Bool("throttled", res.Throttled).
		Msg("Crossover signal")
}

// Submitted returns how many orders the runner has sent
func (r *Runner) Submitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted
}
