package payment

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("order not found")
	ErrAlreadyPaid      = errors.New("report already has an approved order")
	ErrOpenOrderExists  = errors.New("report already has an open order")
	ErrVersionConflict  = errors.New("order was modified concurrently")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrReportNotFound   = errors.New("report not found")
	ErrCheckoutNotReady = errors.New("checkout provider is not configured")
)

// UnrecognizedEventError is returned for events that cannot be interpreted.
// Such events are kept for review and leave the order untouched.
type UnrecognizedEventError struct {
	EventID string
	Reason  string
}

func (e *UnrecognizedEventError) Error() string {
	return fmt.Sprintf("unrecognized event %s: %s", e.EventID, e.Reason)
}

// ConcurrencyConflictError is returned once the retry budget for an order is
// spent on lock timeouts or version conflicts.
type ConcurrencyConflictError struct {
	OrderID  uuid.UUID
	Attempts int
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("order %s: gave up after %d attempts: %v", e.OrderID, e.Attempts, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }
