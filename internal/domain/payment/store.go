package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transition decides the next order state for an event. Apply is the
// production implementation.
type Transition func(Order, Event) (Order, Effect, error)

// Result is the outcome of one event against one order.
type Result struct {
	Order  Order
	Effect Effect
}

// Store persists orders and the webhook event log.
type Store interface {
	// CreateOrder inserts o. It fails with ErrOpenOrderExists when the
	// report already has an order in created or awaiting_payment.
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// ListByReport returns the report's orders, newest first.
	ListByReport(ctx context.Context, reportID string) ([]*Order, error)
	// ListOpenBefore returns open orders last updated before cutoff.
	ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)

	// ApplyEvent runs fn against the current order and commits the event
	// record together with the resulting order, or neither. A previously
	// recorded event id yields EffectDuplicate and leaves everything as is.
	// When fn fails with UnrecognizedEventError the event is still recorded
	// as parked. Fails with ErrVersionConflict if the order changed
	// underneath, and ErrNotFound if the order does not exist.
	ApplyEvent(ctx context.Context, ev Event, fn Transition) (Result, error)

	// ParkEvent records an event that cannot be tied to an order. It
	// returns false if the event id was already recorded.
	ParkEvent(ctx context.Context, ev Event, detail string) (bool, error)
	GetEvent(ctx context.Context, id string) (*EventRecord, error)
	ListParked(ctx context.Context, limit, offset int) ([]*EventRecord, int, error)
	ListEvents(ctx context.Context, orderID uuid.UUID) ([]*EventRecord, error)
}
