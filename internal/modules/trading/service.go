package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/modules/execution"
	"github.com/aristath/tradecore/internal/modules/ledger"
	"github.com/aristath/tradecore/internal/modules/pricefeed"
	"github.com/aristath/tradecore/internal/modules/risk"
)

// Feature keys checked with the billing collaborator
const (
	FeatureAdvancedOrders      = "advanced_orders"
	FeatureAutomatedStrategies = "automated_strategies"
)

// FeatureChecker answers entitlement questions for an account
type FeatureChecker interface {
	HasFeature(ctx context.Context, accountID, feature string) bool
}

// SubmitResult is the synchronous outcome of SubmitOrder. A throttled
// submission has no order id and is not remembered for idempotency.
type SubmitResult struct {
	OrderID    string             `json:"order_id,omitempty"`
	Status     domain.OrderStatus `json:"status,omitempty"`
	Reason     domain.Reason      `json:"reason,omitempty"`
	Throttled  bool               `json:"throttled,omitempty"`
	RetryAfter time.Duration      `json:"-"`
	Duplicate  bool               `json:"duplicate,omitempty"`
	Order      *domain.Order      `json:"order,omitempty"`
}

type restingRef struct {
	accountID string
	orderID   string
}

// book serializes everything that happens to one symbol: quote processing,
// resting order re-evaluation and execution of new orders.
type book struct {
	mu      sync.Mutex
	symbol  string
	last    domain.Quote
	resting []restingRef
}

func (b *book) add(o domain.Order) {
	for _, ref := range b.resting {
		if ref.orderID == o.ID {
			return
		}
	}
	b.resting = append(b.resting, restingRef{accountID: o.AccountID, orderID: o.ID})
}

func (b *book) remove(orderID string) {
	out := b.resting[:0]
	for _, ref := range b.resting {
		if ref.orderID != orderID {
			out = append(out, ref)
		}
	}
	b.resting = out
}

type requestKey struct {
	accountID string
	requestID string
}

// Config holds the pipeline settings that are not owned by a component
type Config struct {
	// Universe lists tradable symbols. When empty any symbol with a known
	// quote is tradable.
	Universe []string
}

// Stats is a point-in-time view of the pipeline
type Stats struct {
	Books   int `json:"books"`
	Resting int `json:"resting_orders"`
}

// TradingService runs the order pipeline.
//
// Every order runs admission, execution, ledger apply and broadcast in that
// order. Work for one symbol is serialized by its book; work for one account
// is serialized by the ledger. There is no engine-wide lock.
//
// Dependencies:
//   - pricefeed.Feed: quote normalization and deduplication
//   - risk.Guard: admission decisions and circuit state
//   - execution.Simulator: fill decisions
//   - ledger.Ledger: account state, journaling and snapshot publishing
//   - events.Publisher: quote fan-out
type TradingService struct {
	feed      *pricefeed.Feed
	guard     *risk.Guard
	sim       *execution.Simulator
	ledger    *ledger.Ledger
	publisher events.Publisher
	features  FeatureChecker
	universe  map[string]struct{}

	booksMu sync.RWMutex
	books   map[string]*book

	submitMu    sync.Mutex
	submitLocks map[string]*sync.Mutex

	requestsMu sync.Mutex
	requests   map[requestKey]string

	now   func() time.Time
	newID func() string
	log   zerolog.Logger
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, events.EventData) {}

// NewTradingService creates the pipeline. features may be nil to allow
// every feature; publisher may be nil to drop quote events.
func NewTradingService(
	cfg Config,
	feed *pricefeed.Feed,
	guard *risk.Guard,
	sim *execution.Simulator,
	led *ledger.Ledger,
	publisher events.Publisher,
	features FeatureChecker,
	log zerolog.Logger,
) *TradingService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	universe := make(map[string]struct{}, len(cfg.Universe))
	for _, sym := range cfg.Universe {
		universe[sym] = struct{}{}
	}
	return &TradingService{
		feed:        feed,
		guard:       guard,
		sim:         sim,
		ledger:      led,
		publisher:   publisher,
		features:    features,
		universe:    universe,
		books:       make(map[string]*book),
		submitLocks: make(map[string]*sync.Mutex),
		requests:    make(map[requestKey]string),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		log:         log.With().Str("service", "trading").Logger(),
	}
}

// SetClock replaces the time source used for admission and cancellation
func (s *TradingService) SetClock(now func() time.Time) {
	s.now = now
}

// OpenAccount creates a paper account
func (s *TradingService) OpenAccount(ctx context.Context, accountID string, initialCash decimal.Decimal) (domain.PortfolioSnapshot, error) {
	return s.ledger.Open(ctx, accountID, initialCash)
}

// Snapshot returns the latest committed snapshot for the account
func (s *TradingService) Snapshot(accountID string) (domain.PortfolioSnapshot, error) {
	return s.ledger.Snapshot(accountID)
}

// Order returns one order owned by the account
func (s *TradingService) Order(accountID, orderID string) (domain.Order, error) {
	return s.ledger.Order(accountID, orderID)
}

// Orders returns every order the account has submitted
func (s *TradingService) Orders(accountID string) ([]domain.Order, error) {
	return s.ledger.Orders(accountID)
}

func (s *TradingService) book(symbol string) *book {
	s.booksMu.RLock()
	b, ok := s.books[symbol]
	s.booksMu.RUnlock()
	if ok {
		return b
	}

	s.booksMu.Lock()
	defer s.booksMu.Unlock()
	if b, ok = s.books[symbol]; ok {
		return b
	}
	b = &book{symbol: symbol}
	s.books[symbol] = b
	return b
}

func (s *TradingService) submitLock(accountID string) *sync.Mutex {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	mu, ok := s.submitLocks[accountID]
	if !ok {
		mu = &sync.Mutex{}
		s.submitLocks[accountID] = mu
	}
	return mu
}

func (s *TradingService) tradable(symbol string) bool {
	if len(s.universe) > 0 {
		_, ok := s.universe[symbol]
		return ok
	}
	_, ok := s.feed.Last(symbol)
	return ok
}

func (s *TradingService) entitled(ctx context.Context, req domain.OrderRequest) bool {
	if s.features == nil {
		return true
	}
	if req.Type != domain.OrderTypeMarket && !s.features.HasFeature(ctx, req.AccountID, FeatureAdvancedOrders) {
		return false
	}
	if req.Source == domain.SourceStrategy && !s.features.HasFeature(ctx, req.AccountID, FeatureAutomatedStrategies) {
		return false
	}
	return true
}

// SubmitOrder validates and runs one order through the pipeline. It is
// idempotent on (account, request id): a repeated request returns the
// original order's current state.
func (s *TradingService) SubmitOrder(ctx context.Context, req domain.OrderRequest) (SubmitResult, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if !s.tradable(req.Symbol) {
		return SubmitResult{}, domain.ErrUnknownSymbol
	}
	if !s.ledger.Exists(req.AccountID) {
		return SubmitResult{}, domain.ErrUnknownAccount
	}
	if !s.entitled(ctx, req) {
		return SubmitResult{}, domain.ErrFeatureDisabled
	}

	mu := s.submitLock(req.AccountID)
	mu.Lock()
	defer mu.Unlock()

	key := requestKey{accountID: req.AccountID, requestID: req.RequestID}
	s.requestsMu.Lock()
	existing, seen := s.requests[key]
	s.requestsMu.Unlock()
	if seen {
		order, err := s.ledger.Order(req.AccountID, existing)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("failed to load order %s: %w", existing, err)
		}
		res := resultOf(order)
		res.Duplicate = true
		return res, nil
	}

	now := s.now()
	order, err := domain.NewOrder(req, s.newID(), now)
	if err != nil {
		return SubmitResult{}, err
	}

	b := s.book(order.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, err := s.ledger.Snapshot(order.AccountID)
	if err != nil {
		return SubmitResult{}, err
	}
	decision := s.guard.Admit(order, risk.ExposureOf(snap, order.Symbol), now)

	switch decision.Action {
	case risk.ActionThrottle:
		s.log.Debug().Str("account_id", order.AccountID).Dur("retry_after", decision.Delay).Msg("Order throttled")
		return SubmitResult{Reason: decision.Reason, Throttled: true, RetryAfter: decision.Delay}, nil
	case risk.ActionReject:
		return s.rejectLocked(ctx, key, order, decision.Reason)
	}

	if _, err := s.ledger.Apply(ctx, order.AccountID, ledger.OrderAdmitted(order)); err != nil {
		if errors.Is(err, domain.ErrAccountFrozen) {
			return s.rejectLocked(ctx, key, order, domain.ReasonRiskAccountFrozen)
		}
		return SubmitResult{}, fmt.Errorf("failed to admit order: %w", err)
	}
	s.remember(key, order.ID)

	admitted, err := s.ledger.Order(order.AccountID, order.ID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to load admitted order: %w", err)
	}
	final := s.executeLocked(ctx, b, admitted, false)

	s.log.Info().
		Str("order_id", final.ID).
		Str("account_id", final.AccountID).
		Str("symbol", final.Symbol).
		Str("side", string(final.Side)).
		Str("type", final.Kind.TypeName()).
		Str("status", string(final.Status)).
		Msg("Order submitted")

	return resultOf(final), nil
}

func (s *TradingService) rejectLocked(ctx context.Context, key requestKey, order domain.Order, reason domain.Reason) (SubmitResult, error) {
	order.Status = domain.StatusRejected
	order.Reason = reason
	order.UpdatedAt = s.now()
	if err := s.ledger.RecordRejection(ctx, order); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to record rejection: %w", err)
	}
	s.remember(key, order.ID)
	s.log.Info().Str("order_id", order.ID).Str("account_id", order.AccountID).Str("reason", string(reason)).Msg("Order rejected by risk")
	return resultOf(order), nil
}

func (s *TradingService) remember(key requestKey, orderID string) {
	s.requestsMu.Lock()
	s.requests[key] = orderID
	s.requestsMu.Unlock()
}

func resultOf(o domain.Order) SubmitResult {
	order := o.Clone()
	return SubmitResult{OrderID: o.ID, Status: o.Status, Reason: o.Reason, Order: &order}
}

// executeLocked runs the simulator for an open order at the book's quote and
// applies the outcome. Caller holds b.mu. Returns the order's state afterwards.
func (s *TradingService) executeLocked(ctx context.Context, b *book, order domain.Order, resting bool) domain.Order {
	snap, err := s.ledger.Snapshot(order.AccountID)
	if err != nil {
		return order
	}
	if snap.Frozen {
		return s.rejectOpenLocked(ctx, b, order, domain.ReasonRiskAccountFrozen)
	}

	view := execution.ViewOf(snap)
	var res execution.Result
	if resting {
		res = s.sim.Reevaluate(order, b.last, view)
	} else {
		res = s.sim.Execute(order, b.last, view)
	}

	switch res.Outcome {
	case execution.OutcomePending:
		b.add(order)
		return order

	case execution.OutcomeRejected:
		return s.rejectOpenLocked(ctx, b, order, res.Reason)

	default:
		fill := res.Fill
		fill.ID = s.newID()
		if _, err := s.ledger.Apply(ctx, order.AccountID, ledger.FillApplied(fill)); err != nil {
			if se, ok := ledger.AsSettlementError(err); ok {
				return s.rejectOpenLocked(ctx, b, order, se.Reason)
			}
			return s.fillFailedLocked(ctx, b, order, err)
		}
		s.guard.RecordFill(order.AccountID, fill.Notional(), fill.Timestamp)

		updated, err := s.ledger.Order(order.AccountID, order.ID)
		if err != nil {
			return order
		}
		if updated.IsOpen() {
			b.add(updated)
		} else {
			b.remove(updated.ID)
		}
		return updated
	}
}

// fillFailedLocked handles a fill the ledger could not commit. Limit orders
// stay on the book for the next quote; orders that must execute now, and
// every order of a frozen account, are rejected.
func (s *TradingService) fillFailedLocked(ctx context.Context, b *book, order domain.Order, cause error) domain.Order {
	s.log.Error().Err(cause).Str("order_id", order.ID).Str("account_id", order.AccountID).Msg("Failed to apply fill")

	if errors.Is(cause, domain.ErrAccountFrozen) || errors.Is(cause, ledger.ErrInvariantViolation) {
		return s.rejectOpenLocked(ctx, b, order, domain.ReasonRiskAccountFrozen)
	}
	if _, isLimit := order.Kind.(domain.LimitOrder); isLimit {
		b.add(order)
		return order
	}
	return s.rejectOpenLocked(ctx, b, order, domain.ReasonSettlementFillFailed)
}

// rejectOpenLocked takes an admitted order off the book and rejects it in
// the ledger. If the rejection cannot be committed either, the order stays
// open and on the book so a later quote retries it.
func (s *TradingService) rejectOpenLocked(ctx context.Context, b *book, order domain.Order, reason domain.Reason) domain.Order {
	if _, err := s.ledger.Apply(ctx, order.AccountID, ledger.OrderRejected(order.ID, reason, s.now())); err != nil {
		s.log.Error().Err(err).Str("order_id", order.ID).Str("reason", string(reason)).Msg("Failed to record rejection")
		if current, lookupErr := s.ledger.Order(order.AccountID, order.ID); lookupErr == nil && current.IsOpen() {
			b.add(current)
			return current
		}
		b.remove(order.ID)
		return order
	}
	b.remove(order.ID)
	s.guard.RecordRejection(order.AccountID, s.now())
	updated, err := s.ledger.Order(order.AccountID, order.ID)
	if err != nil {
		return order
	}
	return updated
}

// IngestTick satisfies pricefeed.TickSink
func (s *TradingService) IngestTick(tick pricefeed.RawTick) {
	s.Ingest(context.Background(), tick)
}

// Ingest normalizes a raw tick and, if it is new, runs it through risk,
// marks positions to market and re-evaluates resting orders for the symbol.
func (s *TradingService) Ingest(ctx context.Context, tick pricefeed.RawTick) (domain.Quote, bool) {
	q, ok := s.feed.Ingest(tick)
	if !ok {
		return domain.Quote{}, false
	}

	b := s.book(q.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	// A newer tick for the symbol won the race to the book
	if !b.last.IsZero() && !q.Timestamp.After(b.last.Timestamp) {
		return q, false
	}
	b.last = q

	regime := s.guard.ObserveQuote(q, s.now())
	s.publisher.Publish(events.SymbolTopic(q.Symbol), &events.QuoteData{Quote: q})
	s.ledger.ApplyQuote(ctx, q)

	if regime == risk.RegimeHalted {
		return q, true
	}
	s.reevaluateLocked(ctx, b)
	return q, true
}

func (s *TradingService) reevaluateLocked(ctx context.Context, b *book) {
	refs := append([]restingRef(nil), b.resting...)
	for _, ref := range refs {
		order, err := s.ledger.Order(ref.accountID, ref.orderID)
		if err != nil || !order.IsOpen() {
			b.remove(ref.orderID)
			continue
		}
		s.executeLocked(ctx, b, order, true)
	}
}

// CancelOrder cancels an open order owned by the account. A cancel that
// loses the race to a full fill returns domain.ErrOrderAlreadyFilled.
func (s *TradingService) CancelOrder(ctx context.Context, accountID, orderID string) (domain.Order, error) {
	order, err := s.ledger.Order(accountID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return s.cancel(ctx, order, domain.ReasonCancelledByClient)
}

func (s *TradingService) cancel(ctx context.Context, order domain.Order, reason domain.Reason) (domain.Order, error) {
	b := s.book(order.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := s.ledger.Apply(ctx, order.AccountID, ledger.OrderCancelled(order.ID, reason, s.now())); err != nil {
		return domain.Order{}, err
	}
	b.remove(order.ID)
	return s.ledger.Order(order.AccountID, order.ID)
}

// ExpireDayOrders cancels every open DAY order and returns how many were
// cancelled.
func (s *TradingService) ExpireDayOrders(ctx context.Context) int {
	expired := 0
	for _, o := range s.ledger.OpenOrders() {
		if o.TimeInForce != domain.DAY {
			continue
		}
		if _, err := s.cancel(ctx, o, domain.ReasonCancelledExpired); err != nil {
			if !errors.Is(err, domain.ErrOrderAlreadyFilled) && !errors.Is(err, domain.ErrOrderNotOpen) {
				s.log.Warn().Err(err).Str("order_id", o.ID).Msg("Failed to expire day order")
			}
			continue
		}
		expired++
	}
	if expired > 0 {
		s.log.Info().Int("expired", expired).Msg("Day orders expired")
	}
	return expired
}

// Recover rebuilds the ledger from journal records, then the resting books
// and the request id index.
func (s *TradingService) Recover(ctx context.Context, records []ledger.Record) error {
	if err := s.ledger.Replay(records); err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}

	s.requestsMu.Lock()
	for _, rec := range records {
		if o := rec.Event.Order; o != nil && o.RequestID != "" {
			s.requests[requestKey{accountID: o.AccountID, requestID: o.RequestID}] = o.ID
		}
	}
	s.requestsMu.Unlock()

	open := s.ledger.OpenOrders()
	for _, o := range open {
		b := s.book(o.Symbol)
		b.mu.Lock()
		b.add(o)
		b.mu.Unlock()
	}

	s.log.Info().Int("records", len(records)).Int("resting_orders", len(open)).Msg("Pipeline recovered")
	return nil
}

// WithBaseline implements broadcast.BaselineProvider. Account topics resync
// from the ledger under the account lock, symbol topics from the book.
func (s *TradingService) WithBaseline(topic string, fn func(events.EventData)) error {
	kind, key, err := events.ParseTopic(topic)
	if err != nil {
		return err
	}
	if kind == events.TopicAccount {
		return s.ledger.WithSnapshot(key, func(snap domain.PortfolioSnapshot) {
			fn(&events.SnapshotData{PortfolioSnapshot: snap})
		})
	}

	b := s.book(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last.IsZero() {
		fn(nil)
		return nil
	}
	fn(&events.QuoteData{Quote: b.last})
	return nil
}

// Last returns the last quote processed for symbol
func (s *TradingService) Last(symbol string) (domain.Quote, bool) {
	b := s.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, !b.last.IsZero()
}

// Symbols returns every symbol with a book, sorted
func (s *TradingService) Symbols() []string {
	s.booksMu.RLock()
	defer s.booksMu.RUnlock()
	out := make([]string, 0, len(s.books))
	for sym := range s.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Stats returns book counts
func (s *TradingService) Stats() Stats {
	s.booksMu.RLock()
	books := make([]*book, 0, len(s.books))
	for _, b := range s.books {
		books = append(books, b)
	}
	s.booksMu.RUnlock()

	st := Stats{Books: len(books)}
	for _, b := range books {
		b.mu.Lock()
		st.Resting += len(b.resting)
		b.mu.Unlock()
	}
	return st
}
