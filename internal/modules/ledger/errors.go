package ledger

import (
	"errors"

	"github.com/aristath/tradecore/internal/domain"
)

var (
	// ErrInvariantViolation means an event would have produced an impossible
	// state. The event is dropped and the account frozen.
	ErrInvariantViolation = errors.New("ledger invariant violated")
	// ErrDuplicateOrder is returned when an admitted order id already exists
	ErrDuplicateOrder = errors.New("order already exists")
	// ErrInvalidEvent is returned for events missing required fields
	ErrInvalidEvent = errors.New("invalid ledger event")

	errNoChange = errors.New("no change")
)

// SettlementError is the final guard rejecting a fill that would overdraw
// cash or sell more than is held.
type SettlementError struct {
	Reason domain.Reason
}

func (e *SettlementError) Error() string {
	return "settlement rejected: " + string(e.Reason)
}

// AsSettlementError unwraps err into a *SettlementError if it is one
func AsSettlementError(err error) (*SettlementError, bool) {
	var se *SettlementError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
