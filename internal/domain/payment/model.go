package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle position of an Order.
type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
	StatusRefunded        Status = "refunded"
)

// Rank places statuses on a partial order. Transitions only ever move to a
// strictly higher rank between comparable statuses; all first-level terminal
// statuses share rank 2 so the first one recorded wins. See Comparable for the
// pairs that rank alone does not order.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusAwaitingPayment:
		return 1
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return 2
	case StatusRefunded:
		return 3
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// Comparable reports whether a and b are ordered by Rank. A failed order never
// becomes refunded and a refunded order never becomes failed, so those pairs
// are incomparable: whichever reaches the order first stands.
func Comparable(a, b Status) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	if a.Rank() == b.Rank() {
		return a == b
	}
	if (a.Failed() && b == StatusRefunded) || (b.Failed() && a == StatusRefunded) {
		return false
	}
	return true
}

// Open reports whether an order in this status still occupies its report's
// single open-order slot.
func (s Status) Open() bool {
	return s == StatusCreated || s == StatusAwaitingPayment
}

func (s Status) Terminal() bool { return s.Valid() && !s.Open() }

// Failed reports whether the order ended without payment.
func (s Status) Failed() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusExpired
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown order status %q", v)
	}
	return s, nil
}

// Order is one payment attempt for one report.
type Order struct {
	ID          uuid.UUID `json:"id"`
	ReportID    string    `json:"report_id"`
	OwnerID     string    `json:"owner_id"`
	PaymentID   *string   `json:"payment_id,omitempty"`
	CheckoutRef *string   `json:"checkout_reference,omitempty"`
	CheckoutURL *string   `json:"checkout_url,omitempty"`
	Status      Status    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Version     int64     `json:"version"`
	LastEventID *string   `json:"last_event_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EventKind tags the variants of Event.
type EventKind string

const (
	// KindStatusUpdate declares a new order status.
	KindStatusUpdate EventKind = "status_update"
	// KindIntentCreated marks the provider accepting the checkout.
	KindIntentCreated EventKind = "intent_created"
	// KindRefund is the only way to reach refunded.
	KindRefund EventKind = "refund"
	// KindUnrecognized is anything that could not be interpreted.
	KindUnrecognized EventKind = "unrecognized"
)

// Event is an authenticated notification about one order. Which fields are
// meaningful depends on Kind: Status for status updates, Checkout* for
// intent creation. Events are never modified once received.
type Event struct {
	ID             string    `json:"event_id"`
	Kind           EventKind `json:"kind"`
	OrderID        uuid.UUID `json:"order_id,omitempty"`
	PaymentID      string    `json:"payment_id,omitempty"`
	DeclaredStatus string    `json:"declared_status,omitempty"`
	Status         Status    `json:"status,omitempty"`
	CheckoutRef    string    `json:"checkout_reference,omitempty"`
	CheckoutURL    string    `json:"checkout_url,omitempty"`
	PayloadHash    string    `json:"payload_hash"`
	Payload        []byte    `json:"-"`
	OccurredAt     time.Time `json:"occurred_at,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// HashPayload returns the hex SHA-256 of a raw notification body.
func HashPayload(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Effect is what applying an event did to its order.
type Effect string

const (
	EffectTransitioned Effect = "transitioned"
	EffectStale        Effect = "stale"
	EffectDuplicate    Effect = "duplicate"
	EffectParked       Effect = "parked"
)

// EventRecord is an event as retained in the event log.
type EventRecord struct {
	Event
	Outcome Effect `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}
