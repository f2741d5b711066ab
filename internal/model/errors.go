package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrPortfolioNotFound  = errors.New("portfolio not found")
	ErrPortfolioExists    = errors.New("portfolio already exists")
	ErrAlreadyTerminal    = errors.New("order already terminal")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrVersionConflict    = errors.New("order modified concurrently")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")

	ErrNoPrice     = errors.New("no price available")
	ErrStalePrice  = errors.New("price snapshot is stale")
	ErrFeedTimeout = errors.New("price feed timed out")
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ValidationError is a structural problem found at intake. Orders that fail
// validation are never persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RejectionError accompanies an order persisted as REJECTED.
type RejectionError struct {
	OrderID string
	Reason  Reason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order %s rejected: %s (%s)", e.OrderID, e.Reason, e.Reason.Describe())
}

// FeedError is a transient market-data failure. It never terminates an order.
type FeedError struct {
	Symbol string
	Err    error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("price feed %s: %v", e.Symbol, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried on a later tick.
func IsTransient(err error) bool {
	var fe *FeedError
	return errors.As(err, &fe) ||
		errors.Is(err, ErrNoPrice) ||
		errors.Is(err, ErrStalePrice) ||
		errors.Is(err, ErrFeedTimeout) ||
		errors.Is(err, ErrCircuitOpen)
}
