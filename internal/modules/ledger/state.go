package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
)

// state is the mutable part of an account. Apply works on a clone and the
// clone replaces the committed state only after every check passes.
type state struct {
	initialCash decimal.Decimal
	cash        decimal.Decimal
	realized    decimal.Decimal
	positions   map[string]domain.Position
	open        map[string]domain.Order
}

func newState(initialCash decimal.Decimal) state {
	return state{
		initialCash: initialCash,
		cash:        initialCash,
		realized:    decimal.Zero,
		positions:   make(map[string]domain.Position),
		open:        make(map[string]domain.Order),
	}
}

func (s state) clone() state {
	c := s
	c.positions = make(map[string]domain.Position, len(s.positions))
	for k, v := range s.positions {
		c.positions[k] = v
	}
	c.open = make(map[string]domain.Order, len(s.open))
	for k, v := range s.open {
		c.open[k] = v.Clone()
	}
	return c
}

// lookup finds an open order, or explains why it is not open
func (s state) lookup(id string, closed map[string]domain.Order) (domain.Order, error) {
	if o, ok := s.open[id]; ok {
		return o, nil
	}
	if o, ok := closed[id]; ok {
		if o.Status == domain.StatusFilled {
			return domain.Order{}, domain.ErrOrderAlreadyFilled
		}
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotOpen, o.Status)
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// apply mutates s and returns the order the event changed, if any
func (s *state) apply(ev Event, closed map[string]domain.Order) (*domain.Order, error) {
	switch ev.Kind {
	case EventOrderAdmitted:
		return s.admit(ev, closed)
	case EventFillApplied:
		return s.fill(ev, closed)
	case EventOrderCancelled:
		return s.close(ev, closed, domain.StatusCancelled)
	case EventOrderRejected:
		return s.close(ev, closed, domain.StatusRejected)
	case EventQuoteTick:
		return nil, s.mark(ev)
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidEvent, ev.Kind)
	}
}

func (s *state) admit(ev Event, closed map[string]domain.Order) (*domain.Order, error) {
	if ev.Order == nil || ev.Order.ID == "" {
		return nil, fmt.Errorf("%w: admitted order missing", ErrInvalidEvent)
	}
	o := ev.Order.Clone()
	if _, ok := s.open[o.ID]; ok {
		return nil, ErrDuplicateOrder
	}
	if _, ok := closed[o.ID]; ok {
		return nil, ErrDuplicateOrder
	}
	o.Status = domain.StatusAdmitted
	o.UpdatedAt = ev.Timestamp
	s.open[o.ID] = o
	return &o, nil
}

func (s *state) close(ev Event, closed map[string]domain.Order, status domain.OrderStatus) (*domain.Order, error) {
	o, err := s.lookup(ev.OrderID, closed)
	if err != nil {
		return nil, err
	}
	o.Status = status
	o.Reason = ev.Reason
	o.UpdatedAt = ev.Timestamp
	delete(s.open, o.ID)
	return &o, nil
}

func (s *state) mark(ev Event) error {
	if ev.Quote == nil {
		return fmt.Errorf("%w: quote missing", ErrInvalidEvent)
	}
	pos, ok := s.positions[ev.Quote.Symbol]
	if !ok || pos.LastPrice.Equal(ev.Quote.Price) {
		return errNoChange
	}
	pos.LastPrice = ev.Quote.Price
	s.positions[pos.Symbol] = pos
	return nil
}

func (s *state) fill(ev Event, closed map[string]domain.Order) (*domain.Order, error) {
	f := ev.Fill
	if f == nil {
		return nil, fmt.Errorf("%w: fill missing", ErrInvalidEvent)
	}
	o, err := s.lookup(f.OrderID, closed)
	if err != nil {
		return nil, err
	}
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() || f.Fee.IsNegative() {
		return nil, fmt.Errorf("%w: fill %s has quantity %s price %s fee %s", ErrInvariantViolation, f.ID, f.Quantity, f.Price, f.Fee)
	}
	if f.Quantity.GreaterThan(o.Remaining()) {
		return nil, fmt.Errorf("%w: fill %s overfills order %s", ErrInvariantViolation, f.ID, o.ID)
	}

	notional := f.Quantity.Mul(f.Price)
	pos, held := s.positions[o.Symbol]
	if !held {
		pos = domain.Position{Symbol: o.Symbol, Quantity: decimal.Zero, CostBasis: decimal.Zero}
	}

	switch o.Side {
	case domain.SideBuy:
		if notional.Add(f.Fee).GreaterThan(s.cash) {
			return nil, &SettlementError{Reason: domain.ReasonSettlementInsufficientCash}
		}
		s.cash = s.cash.Sub(notional).Sub(f.Fee)
		s.realized = s.realized.Sub(f.Fee)
		pos.Quantity = pos.Quantity.Add(f.Quantity)
		pos.CostBasis = pos.CostBasis.Add(notional)
		pos.LastPrice = f.Price
		s.positions[o.Symbol] = pos

	case domain.SideSell:
		if !held || f.Quantity.GreaterThan(pos.Quantity) {
			return nil, &SettlementError{Reason: domain.ReasonSettlementInsufficientPosition}
		}
		removed := pos.CostBasis
		if !f.Quantity.Equal(pos.Quantity) {
			removed = pos.CostBasis.Mul(f.Quantity).Div(pos.Quantity)
		}
		s.cash = s.cash.Add(notional).Sub(f.Fee)
		s.realized = s.realized.Add(notional).Sub(removed).Sub(f.Fee)
		pos.Quantity = pos.Quantity.Sub(f.Quantity)
		pos.CostBasis = pos.CostBasis.Sub(removed)
		pos.LastPrice = f.Price
		if pos.Quantity.IsZero() {
			delete(s.positions, o.Symbol)
		} else {
			s.positions[o.Symbol] = pos
		}

	default:
		return nil, fmt.Errorf("%w: order %s has side %q", ErrInvariantViolation, o.ID, o.Side)
	}

	fill := *f
	fill.AccountID = o.AccountID
	o.Fills = append(o.Fills, fill)
	o.UpdatedAt = f.Timestamp
	if _, isStop := o.Kind.(domain.StopOrder); isStop {
		o.Triggered = true
	}
	if o.Remaining().IsZero() {
		o.Status = domain.StatusFilled
		delete(s.open, o.ID)
	} else {
		o.Status = domain.StatusPartiallyFilled
		s.open[o.ID] = o
	}
	return &o, nil
}

// verify checks the accounting identity cash + sum(cost) == initial + realized
// and the sign constraints.
func (s state) verify() error {
	if s.cash.IsNegative() {
		return fmt.Errorf("%w: negative cash %s", ErrInvariantViolation, s.cash)
	}
	cost := decimal.Zero
	for sym, p := range s.positions {
		if !p.Quantity.IsPositive() {
			return fmt.Errorf("%w: position %s has quantity %s", ErrInvariantViolation, sym, p.Quantity)
		}
		if p.CostBasis.IsNegative() {
			return fmt.Errorf("%w: position %s has cost basis %s", ErrInvariantViolation, sym, p.CostBasis)
		}
		cost = cost.Add(p.CostBasis)
	}
	for id, o := range s.open {
		if !o.Remaining().IsPositive() {
			return fmt.Errorf("%w: open order %s has nothing remaining", ErrInvariantViolation, id)
		}
	}
	if !s.cash.Add(cost).Equal(s.initialCash.Add(s.realized)) {
		return fmt.Errorf("%w: cash %s + cost %s != initial %s + realized %s",
			ErrInvariantViolation, s.cash, cost, s.initialCash, s.realized)
	}
	return nil
}

func (s state) snapshot(accountID string, version uint64, frozen bool, at time.Time) domain.PortfolioSnapshot {
	positions := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	open := make([]domain.Order, 0, len(s.open))
	for _, o := range s.open {
		open = append(open, o.Clone())
	}
	return domain.NewSnapshot(accountID, version, s.initialCash, s.cash, s.realized, positions, open, frozen, at)
}
