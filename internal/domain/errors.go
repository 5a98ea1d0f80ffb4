package domain

import "errors"

// InputError is a synchronous rejection of a malformed or disallowed request.
// Input errors never enter the order pipeline.
type InputError struct {
	Code    string
	Message string
}

func (e *InputError) Error() string {
	return e.Code + ": " + e.Message
}

// Input errors
var (
	ErrMissingAccount     = &InputError{Code: "input_missing_account", Message: "account id is required"}
	ErrMissingRequestID   = &InputError{Code: "input_missing_request_id", Message: "client request id is required"}
	ErrUnknownAccount     = &InputError{Code: "input_unknown_account", Message: "account does not exist"}
	ErrAccountExists      = &InputError{Code: "input_account_exists", Message: "account already exists"}
	ErrInvalidCash        = &InputError{Code: "input_invalid_cash", Message: "initial cash must not be negative"}
	ErrUnknownSymbol      = &InputError{Code: "input_unknown_symbol", Message: "symbol is not tradable"}
	ErrInvalidSide        = &InputError{Code: "input_invalid_side", Message: "side must be BUY or SELL"}
	ErrInvalidQuantity    = &InputError{Code: "input_invalid_quantity", Message: "quantity must be positive"}
	ErrInvalidOrderType   = &InputError{Code: "input_invalid_order_type", Message: "type must be market, limit or stop"}
	ErrMissingPrice       = &InputError{Code: "input_missing_price", Message: "limit and stop orders require a price"}
	ErrInvalidPrice       = &InputError{Code: "input_invalid_price", Message: "price must be positive"}
	ErrInvalidTimeInForce = &InputError{Code: "input_invalid_time_in_force", Message: "time in force must be GTC or DAY"}
	ErrInvalidSource      = &InputError{Code: "input_invalid_source", Message: "unknown order source"}
	ErrFeatureDisabled    = &InputError{Code: "input_feature_disabled", Message: "account is not entitled to this feature"}
	ErrInvalidTopic       = &InputError{Code: "input_invalid_topic", Message: "unknown topic"}
	ErrForbiddenTopic     = &InputError{Code: "input_forbidden_topic", Message: "topic belongs to another account"}
)

// Order lookup and lifecycle errors
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotOpen       = errors.New("order is not open")
	ErrOrderAlreadyFilled = errors.New("order already filled")
	ErrAccountFrozen      = errors.New("account is frozen")
)

// AsInputError unwraps err into an *InputError if it is one
func AsInputError(err error) (*InputError, bool) {
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return inputErr, true
	}
	return nil, false
}
