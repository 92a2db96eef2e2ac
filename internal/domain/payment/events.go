package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/luiz1143/Analisa-vet/internal/platform/paygateway"
)

// EventFromResolution turns a verified provider notification and the payment
// state it resolved to into an Event. Anything that cannot be tied to a known
// status or a well-formed order id becomes KindUnrecognized.
func EventFromResolution(n paygateway.Notification, res paygateway.Resolution, body []byte, receivedAt time.Time) Event {
	ev := Event{
		ID:             n.ID,
		PaymentID:      res.PaymentID,
		DeclaredStatus: res.Status,
		PayloadHash:    HashPayload(body),
		Payload:        body,
		ReceivedAt:     receivedAt.UTC(),
	}
	if ev.ID == "" {
		// Query-string notifications carry no delivery id; the resolved
		// payment state identifies the event instead.
		ev.ID = n.Type + ":" + firstSet(res.PaymentID, n.DataID) + ":" + res.Status
	}
	switch {
	case res.OccurredAt != nil:
		ev.OccurredAt = res.OccurredAt.UTC()
	case !n.DateCreated.IsZero():
		ev.OccurredAt = n.DateCreated
	}

	orderID, err := uuid.Parse(res.OrderReference)
	if err != nil {
		ev.Kind = KindUnrecognized
		return ev
	}
	ev.OrderID = orderID

	switch res.Class {
	case paygateway.ClassPending:
		ev.Kind, ev.Status = KindStatusUpdate, StatusAwaitingPayment
	case paygateway.ClassApproved:
		ev.Kind, ev.Status = KindStatusUpdate, StatusApproved
	case paygateway.ClassRejected:
		ev.Kind, ev.Status = KindStatusUpdate, StatusRejected
	case paygateway.ClassCancelled:
		ev.Kind, ev.Status = KindStatusUpdate, StatusCancelled
	case paygateway.ClassExpired:
		ev.Kind, ev.Status = KindStatusUpdate, StatusExpired
	case paygateway.ClassRefunded:
		ev.Kind = KindRefund
	default:
		ev.Kind = KindUnrecognized
	}
	return ev
}

// internalEvent builds an event raised by this service rather than the
// provider.
func internalEvent(id string, kind EventKind, orderID uuid.UUID, status Status, now time.Time) Event {
	body := []byte(id)
	return Event{
		ID:          id,
		Kind:        kind,
		OrderID:     orderID,
		Status:      status,
		PayloadHash: HashPayload(body),
		OccurredAt:  now.UTC(),
		ReceivedAt:  now.UTC(),
	}
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
