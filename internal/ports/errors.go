package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")

	// Bot lifecycle errors
	ErrBotNotFound      = errors.New("bot not found")
	ErrBotAlreadyActive = errors.New("bot is already active")
	ErrBotNotActive     = errors.New("bot is not active")
	ErrBotHasOpenOrders = errors.New("bot has orders not confirmed cancelled")
)

// AdapterReason classifies exchange adapter failures.
type AdapterReason string

const (
	ReasonAuth      AdapterReason = "AUTH"
	ReasonRateLimit AdapterReason = "RATE_LIMIT"
	ReasonRejected  AdapterReason = "REJECTED"
	ReasonNetwork   AdapterReason = "NETWORK"
	ReasonTimeout   AdapterReason = "TIMEOUT"
)

// AdapterError is returned by every ExchangeAdapter operation that fails.
type AdapterError struct {
	Op     string
	Reason AdapterReason
	Code   int // Exchange error code, 0 if not applicable
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed (%s, code %d): %v", e.Op, e.Reason, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Reason, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError derives the reason from the sentinel wrapped in err.
func NewAdapterError(op string, code int, err error) *AdapterError {
	return &AdapterError{Op: op, Reason: ReasonFor(err), Code: code, Err: err}
}

// ReasonFor maps a sentinel error chain to an AdapterReason.
func ReasonFor(err error) AdapterReason {
	switch {
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrInvalidAPIKeys):
		return ReasonAuth
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimit
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrContextCanceled):
		return ReasonTimeout
	case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrExchangeUnavailable):
		return ReasonNetwork
	default:
		return ReasonRejected
	}
}

// ConnectionError is returned when a stream session cannot be established.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnsupportedSymbolError is returned by symbol normalization.
type UnsupportedSymbolError struct {
	Exchange string
	Symbol   string
}

func (e *UnsupportedSymbolError) Error() string {
	return fmt.Sprintf("symbol %q is not supported by %s", e.Symbol, e.Exchange)
}

// PersistenceError wraps a failed read or write against the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReconciliationConflict is returned when a task for the same order is
// already in flight.
type ReconciliationConflict struct {
	Key string
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("reconciliation already in progress for %s", e.Key)
}
