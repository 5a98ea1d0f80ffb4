// Package ledger is the single writer of account state. Every committed
// mutation is journaled first, produces exactly one versioned snapshot, and
// is published to the account topic while the account is still locked.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/events"
)

type account struct {
	mu       sync.Mutex
	id       string
	state    state
	version  uint64
	frozen   bool
	snapshot domain.PortfolioSnapshot
	// terminal orders, kept for lifecycle errors and lookups
	closed map[string]domain.Order
}

// Ledger owns all accounts. Accounts are locked individually; there is no
// global lock on the mutation path.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account

	holdersMu sync.RWMutex
	holders   map[string]map[string]struct{}

	journal   Journal
	publisher events.Publisher
	now       func() time.Time
	log       zerolog.Logger
}

type nopJournal struct{}

func (nopJournal) Append(context.Context, Record) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(string, events.EventData) {}

// New creates a ledger. A nil journal keeps state in memory only and a nil
// publisher discards events.
func New(journal Journal, publisher events.Publisher, log zerolog.Logger) *Ledger {
	if journal == nil {
		journal = nopJournal{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Ledger{
		accounts:  make(map[string]*account),
		holders:   make(map[string]map[string]struct{}),
		journal:   journal,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "ledger").Logger(),
	}
}

// SetClock replaces the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Open creates an account with the given starting cash
func (l *Ledger) Open(ctx context.Context, accountID string, initialCash decimal.Decimal) (domain.PortfolioSnapshot, error) {
	if accountID == "" {
		return domain.PortfolioSnapshot{}, domain.ErrMissingAccount
	}
	if initialCash.IsNegative() {
		return domain.PortfolioSnapshot{}, domain.ErrInvalidCash
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[accountID]; ok {
		return domain.PortfolioSnapshot{}, domain.ErrAccountExists
	}

	at := l.now()
	acc := &account{
		id:      accountID,
		state:   newState(initialCash),
		version: 1,
		closed:  make(map[string]domain.Order),
	}
	acc.snapshot = acc.state.snapshot(accountID, acc.version, false, at)

	cash := initialCash
	rec := Record{
		AccountID:  accountID,
		Version:    acc.version,
		Event:      Event{Kind: EventAccountOpened, InitialCash: &cash, Timestamp: at},
		Cash:       initialCash,
		RecordedAt: at,
	}
	if err := l.journal.Append(ctx, rec); err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("failed to journal account open: %w", err)
	}

	l.accounts[accountID] = acc
	l.log.Info().Str("account_id", accountID).Str("initial_cash", initialCash.String()).Msg("Account opened")

	acc.mu.Lock()
	l.publisher.Publish(events.AccountTopic(accountID), &events.SnapshotData{PortfolioSnapshot: acc.snapshot})
	acc.mu.Unlock()

	return acc.snapshot, nil
}

func (l *Ledger) account(accountID string) (*account, error) {
	l.mu.RLock()
	acc, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if !ok {
		return nil, domain.ErrUnknownAccount
	}
	return acc, nil
}

// Exists reports whether the account has been opened
func (l *Ledger) Exists(accountID string) bool {
	_, err := l.account(accountID)
	return err == nil
}

// Accounts returns all account ids, sorted
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply validates ev against the account, journals it, commits it and
// publishes the resulting snapshot. On error nothing is committed and the
// current snapshot is returned.
func (l *Ledger) Apply(ctx context.Context, accountID string, ev Event) (domain.PortfolioSnapshot, error) {
	acc, err := l.account(accountID)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return l.applyLocked(ctx, acc, ev)
}

func (l *Ledger) applyLocked(ctx context.Context, acc *account, ev Event) (domain.PortfolioSnapshot, error) {
	// A frozen account only retires its open orders
	if acc.frozen {
		switch ev.Kind {
		case EventQuoteTick:
			return acc.snapshot, nil
		case EventOrderRejected:
		default:
			return acc.snapshot, domain.ErrAccountFrozen
		}
	}

	next := acc.state.clone()
	order, err := next.apply(ev, acc.closed)
	if errors.Is(err, errNoChange) {
		return acc.snapshot, nil
	}
	if err == nil {
		err = next.verify()
	}
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			l.freezeLocked(ctx, acc, ev, err)
		}
		return acc.snapshot, err
	}

	version := acc.version + 1
	at := ev.Timestamp
	if at.IsZero() {
		at = l.now()
	}
	snap := next.snapshot(acc.id, version, acc.frozen, at)

	// Quote ticks only move marks; they are rebuilt from the feed, not the journal
	if ev.Kind != EventQuoteTick {
		rec := Record{
			AccountID:  acc.id,
			Version:    version,
			Event:      ev,
			Order:      order,
			Cash:       next.cash,
			Frozen:     acc.frozen,
			RecordedAt: l.now(),
		}
		if err := l.journal.Append(ctx, rec); err != nil {
			l.log.Error().Err(err).Str("account_id", acc.id).Str("event", string(ev.Kind)).Msg("Journal append failed, event dropped")
			return acc.snapshot, fmt.Errorf("failed to journal %s: %w", ev.Kind, err)
		}
	}

	acc.state = next
	acc.version = version
	acc.snapshot = snap
	if order != nil && order.Status.IsTerminal() {
		acc.closed[order.ID] = order.Clone()
	}
	if ev.Kind == EventFillApplied && order != nil {
		_, held := next.positions[order.Symbol]
		l.setHolder(order.Symbol, acc.id, held)
	}

	l.publisher.Publish(events.AccountTopic(acc.id), &events.SnapshotData{PortfolioSnapshot: snap})
	if order != nil {
		l.publisher.Publish(events.AccountTopic(acc.id), &events.OrderUpdateData{Order: order.Clone(), SnapshotVersion: version})
	}
	return snap, nil
}

// freezeLocked stops all further mutation of the account. The offending
// event is not committed.
func (l *Ledger) freezeLocked(ctx context.Context, acc *account, ev Event, cause error) {
	at := l.now()
	acc.frozen = true
	acc.version++
	acc.snapshot = acc.state.snapshot(acc.id, acc.version, true, at)

	rec := Record{
		AccountID:  acc.id,
		Version:    acc.version,
		Event:      Event{Kind: EventAccountFrozen, OrderID: ev.OrderID, Message: cause.Error(), Timestamp: at},
		Cash:       acc.state.cash,
		Frozen:     true,
		RecordedAt: at,
	}
	if err := l.journal.Append(ctx, rec); err != nil {
		l.log.Error().Err(err).Str("account_id", acc.id).Msg("Failed to journal account freeze")
	}

	l.log.Error().
		Err(cause).
		Str("account_id", acc.id).
		Str("event", string(ev.Kind)).
		Uint64("version", acc.version).
		Msg("Invariant violated, account frozen")

	topic := events.AccountTopic(acc.id)
	l.publisher.Publish(topic, &events.SnapshotData{PortfolioSnapshot: acc.snapshot})
	l.publisher.Publish(topic, &events.RiskEventData{
		Kind:      events.AccountFrozen,
		AccountID: acc.id,
		Message:   cause.Error(),
		Timestamp: at,
	})
}

// RecordRejection journals an order that failed risk admission. The order
// never entered the account, so no snapshot version is produced.
func (l *Ledger) RecordRejection(ctx context.Context, order domain.Order) error {
	acc, err := l.account(order.AccountID)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if _, ok := acc.state.open[order.ID]; ok {
		return ErrDuplicateOrder
	}
	if _, ok := acc.closed[order.ID]; ok {
		return ErrDuplicateOrder
	}

	o := order.Clone()
	o.Status = domain.StatusRejected
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = l.now()
	}
	rec := Record{
		AccountID:  acc.id,
		Version:    acc.version,
		Event:      Event{Kind: EventOrderRejected, Order: &o, OrderID: o.ID, Reason: o.Reason, Timestamp: o.UpdatedAt},
		Order:      &o,
		Cash:       acc.state.cash,
		Frozen:     acc.frozen,
		RecordedAt: l.now(),
	}
	if err := l.journal.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to journal rejection: %w", err)
	}

	acc.closed[o.ID] = o
	l.publisher.Publish(events.AccountTopic(acc.id), &events.OrderUpdateData{Order: o.Clone(), SnapshotVersion: acc.version})
	return nil
}

// ApplyQuote marks every account holding q.Symbol to market. Accounts whose
// mark does not change produce no snapshot.
func (l *Ledger) ApplyQuote(ctx context.Context, q domain.Quote) {
	for _, id := range l.Holders(q.Symbol) {
		if _, err := l.Apply(ctx, id, QuoteTick(q)); err != nil {
			l.log.Warn().Err(err).Str("account_id", id).Str("symbol", q.Symbol).Msg("Failed to mark position")
		}
	}
}

func (l *Ledger) setHolder(symbol, accountID string, held bool) {
	l.holdersMu.Lock()
	defer l.holdersMu.Unlock()
	set := l.holders[symbol]
	if held {
		if set == nil {
			set = make(map[string]struct{})
			l.holders[symbol] = set
		}
		set[accountID] = struct{}{}
		return
	}
	delete(set, accountID)
	if len(set) == 0 {
		delete(l.holders, symbol)
	}
}

// Holders returns the accounts with a position in symbol, sorted
func (l *Ledger) Holders(symbol string) []string {
	l.holdersMu.RLock()
	defer l.holdersMu.RUnlock()
	ids := make([]string, 0, len(l.holders[symbol]))
	for id := range l.holders[symbol] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the latest committed snapshot
func (l *Ledger) Snapshot(accountID string) (domain.PortfolioSnapshot, error) {
	acc, err := l.account(accountID)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.snapshot, nil
}

// WithSnapshot calls fn with the latest snapshot while the account is
// locked, so no mutation can be published between the read and fn's return.
func (l *Ledger) WithSnapshot(accountID string, fn func(domain.PortfolioSnapshot)) error {
	acc, err := l.account(accountID)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	fn(acc.snapshot)
	return nil
}

// Order returns one order of the account, open or terminal
func (l *Ledger) Order(accountID, orderID string) (domain.Order, error) {
	acc, err := l.account(accountID)
	if err != nil {
		return domain.Order{}, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if o, ok := acc.state.open[orderID]; ok {
		return o.Clone(), nil
	}
	if o, ok := acc.closed[orderID]; ok {
		return o.Clone(), nil
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// Orders returns every order the account has seen, oldest first
func (l *Ledger) Orders(accountID string) ([]domain.Order, error) {
	acc, err := l.account(accountID)
	if err != nil {
		return nil, err
	}
	acc.mu.Lock()
	out := make([]domain.Order, 0, len(acc.state.open)+len(acc.closed))
	for _, o := range acc.state.open {
		out = append(out, o.Clone())
	}
	for _, o := range acc.closed {
		out = append(out, o.Clone())
	}
	acc.mu.Unlock()
	sortOrders(out)
	return out, nil
}

// OpenOrders returns the open orders of every account, oldest first
func (l *Ledger) OpenOrders() []domain.Order {
	var out []domain.Order
	for _, id := range l.Accounts() {
		acc, err := l.account(id)
		if err != nil {
			continue
		}
		acc.mu.Lock()
		for _, o := range acc.state.open {
			out = append(out, o.Clone())
		}
		acc.mu.Unlock()
	}
	sortOrders(out)
	return out
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// Replay rebuilds accounts from journal records in order. It publishes
// nothing and expects an empty ledger.
func (l *Ledger) Replay(records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	touched := make(map[string]*account)
	for _, rec := range records {
		ev := rec.Event
		if ev.Kind == EventAccountOpened {
			if _, ok := l.accounts[rec.AccountID]; ok {
				return fmt.Errorf("failed to replay record %d: %w", rec.Seq, domain.ErrAccountExists)
			}
			if ev.InitialCash == nil {
				return fmt.Errorf("failed to replay record %d: %w: initial cash missing", rec.Seq, ErrInvalidEvent)
			}
			acc := &account{
				id:      rec.AccountID,
				state:   newState(*ev.InitialCash),
				version: rec.Version,
				closed:  make(map[string]domain.Order),
			}
			acc.snapshot = acc.state.snapshot(acc.id, acc.version, false, ev.Timestamp)
			l.accounts[rec.AccountID] = acc
			touched[acc.id] = acc
			continue
		}

		acc, ok := l.accounts[rec.AccountID]
		if !ok {
			return fmt.Errorf("failed to replay record %d: %w", rec.Seq, domain.ErrUnknownAccount)
		}
		touched[acc.id] = acc

		switch {
		case ev.Kind == EventAccountFrozen:
			acc.frozen = true
		case ev.Kind == EventOrderRejected && ev.Order != nil:
			o := ev.Order.Clone()
			o.Status = domain.StatusRejected
			acc.closed[o.ID] = o
		default:
			next := acc.state.clone()
			order, err := next.apply(ev, acc.closed)
			if err == nil {
				err = next.verify()
			}
			if err != nil && !errors.Is(err, errNoChange) {
				return fmt.Errorf("failed to replay record %d: %w", rec.Seq, err)
			}
			acc.state = next
			if order != nil && order.Status.IsTerminal() {
				acc.closed[order.ID] = order.Clone()
			}
		}
		if rec.Version > acc.version {
			acc.version = rec.Version
		}
		acc.snapshot = acc.state.snapshot(acc.id, acc.version, acc.frozen, ev.Timestamp)
	}

	for _, acc := range touched {
		for sym := range acc.state.positions {
			l.setHolder(sym, acc.id, true)
		}
	}
	l.log.Info().Int("records", len(records)).Int("accounts", len(touched)).Msg("Ledger replayed")
	return nil
}
