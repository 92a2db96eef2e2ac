package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestOrder(status Status) Order {
	return Order{
		ID:          uuid.MustParse("6f1c2e8a-4b7d-4a59-9a34-0c2f5e7d1b11"),
		ReportID:    "r-1",
		OwnerID:     "vet-1",
		Status:      status,
		AmountCents: 2990,
		Currency:    "BRL",
		Version:     1,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

func statusEvent(id string, orderID uuid.UUID, s Status) Event {
	return Event{ID: id, Kind: KindStatusUpdate, OrderID: orderID, Status: s, ReceivedAt: testNow.Add(time.Minute)}
}

func TestApply_ApprovedThenDuplicate(t *testing.T) {
	o := newTestOrder(StatusAwaitingPayment)
	e1 := statusEvent("e1", o.ID, StatusApproved)

	next, effect, err := Apply(o, e1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if effect != EffectTransitioned || next.Status != StatusApproved {
		t.Fatalf("expected transition to approved, got %s/%s", effect, next.Status)
	}
	if next.Version != o.Version+1 {
		t.Errorf("expected version %d, got %d", o.Version+1, next.Version)
	}

	again, effect, err := Apply(next, e1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if effect != EffectDuplicate {
		t.Errorf("expected duplicate, got %s", effect)
	}
	if again != next {
		t.Errorf("duplicate changed the order: %+v", again)
	}
}

func TestApply_AwaitingAfterApprovedIsStale(t *testing.T) {
	o := newTestOrder(StatusApproved)
	next, effect, err := Apply(o, statusEvent("late", o.ID, StatusAwaitingPayment))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if effect != EffectStale {
		t.Errorf("expected stale, got %s", effect)
	}
	if next.Status != StatusApproved || next.Version != o.Version {
		t.Errorf("stale event changed the order: %+v", next)
	}
}

func TestApply_FirstTerminalWins(t *testing.T) {
	o := newTestOrder(StatusRejected)
	for _, s := range []Status{StatusApproved, StatusCancelled, StatusExpired, StatusRejected} {
		_, effect, err := Apply(o, statusEvent("e-"+string(s), o.ID, s))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", s, err)
		}
		if effect != EffectStale {
			t.Errorf("%s after rejected: expected stale, got %s", s, effect)
		}
	}
}

func TestApply_Refund(t *testing.T) {
	tests := []struct {
		from Status
		want Effect
	}{
		{StatusCreated, EffectTransitioned},
		{StatusAwaitingPayment, EffectTransitioned},
		{StatusApproved, EffectTransitioned},
		{StatusRejected, EffectStale},
		{StatusCancelled, EffectStale},
		{StatusExpired, EffectStale},
		{StatusRefunded, EffectStale},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			o := newTestOrder(tt.from)
			next, effect, err := Apply(o, Event{ID: "refund-1", Kind: KindRefund, OrderID: o.ID})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if effect != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, effect)
			}
			if effect == EffectTransitioned && next.Status != StatusRefunded {
				t.Errorf("expected refunded, got %s", next.Status)
			}
		})
	}
}

func TestApply_RefundedStatusUpdate(t *testing.T) {
	o := newTestOrder(StatusApproved)
	next, effect, err := Apply(o, statusEvent("e", o.ID, StatusRefunded))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if effect != EffectTransitioned || next.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s/%s", effect, next.Status)
	}

	o = newTestOrder(StatusRejected)
	if _, effect, _ = Apply(o, statusEvent("e2", o.ID, StatusRefunded)); effect != EffectStale {
		t.Errorf("refund on rejected order: expected stale, got %s", effect)
	}
}

func TestApply_NoExitFromTerminal(t *testing.T) {
	all := []Status{StatusCreated, StatusAwaitingPayment, StatusApproved, StatusRejected, StatusCancelled, StatusExpired, StatusRefunded}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			o := newTestOrder(from)
			next, effect, err := Apply(o, statusEvent("x", o.ID, to))
			if err != nil {
				t.Fatalf("%s->%s: unexpected error: %v", from, to, err)
			}
			if effect == EffectTransitioned && !(from == StatusApproved && to == StatusRefunded) {
				t.Errorf("%s->%s: terminal order transitioned to %s", from, to, next.Status)
			}
		}
	}
}

func TestApply_OrderIndependence(t *testing.T) {
	pairs := [][2]Event{
		{statusEvent("a", uuid.Nil, StatusAwaitingPayment), statusEvent("b", uuid.Nil, StatusApproved)},
		{statusEvent("a", uuid.Nil, StatusAwaitingPayment), statusEvent("b", uuid.Nil, StatusRejected)},
		{statusEvent("a", uuid.Nil, StatusApproved), {ID: "b", Kind: KindRefund}},
		{{ID: "a", Kind: KindIntentCreated, CheckoutRef: "pref-1"}, statusEvent("b", uuid.Nil, StatusExpired)},
	}
	for _, pair := range pairs {
		start := newTestOrder(StatusCreated)

		ab, _, _ := Apply(start, pair[0])
		ab, _, _ = Apply(ab, pair[1])

		ba, _, _ := Apply(start, pair[1])
		ba, _, _ = Apply(ba, pair[0])

		if ab.Status != ba.Status {
			t.Errorf("%s then %s gave %s, reverse gave %s", pair[0].ID, pair[1].ID, ab.Status, ba.Status)
		}
	}

	// A failed outcome and a refund do not order each other; the first one
	// delivered stands in both directions.
	for _, start := range []Status{StatusCreated, StatusAwaitingPayment} {
		for _, failed := range []Status{StatusRejected, StatusCancelled, StatusExpired} {
			t.Run(string(start)+"/"+string(failed)+"+refund", func(t *testing.T) {
				o := newTestOrder(start)
				fail := statusEvent("fail", o.ID, failed)
				refund := Event{ID: "refund", Kind: KindRefund, OrderID: o.ID}

				failFirst, _, _ := Apply(o, fail)
				failFirst, effect, _ := Apply(failFirst, refund)
				if failFirst.Status != failed || effect != EffectStale {
					t.Errorf("%s then refund: got %s/%s, want %s/stale", failed, failFirst.Status, effect, failed)
				}

				refundFirst, _, _ := Apply(o, refund)
				refundFirst, effect, _ = Apply(refundFirst, fail)
				if refundFirst.Status != StatusRefunded || effect != EffectStale {
					t.Errorf("refund then %s: got %s/%s, want refunded/stale", failed, refundFirst.Status, effect)
				}
			})
		}
	}
}

func TestComparable(t *testing.T) {
	all := []Status{StatusCreated, StatusAwaitingPayment, StatusApproved, StatusRejected, StatusCancelled, StatusExpired, StatusRefunded}
	for _, a := range all {
		for _, b := range all {
			want := true
			switch {
			case a.Rank() == b.Rank():
				want = a == b
			case a.Failed() && b == StatusRefunded, b.Failed() && a == StatusRefunded:
				want = false
			}
			if got := Comparable(a, b); got != want {
				t.Errorf("Comparable(%s, %s) = %v, want %v", a, b, got, want)
			}
			if Comparable(a, b) != Comparable(b, a) {
				t.Errorf("Comparable(%s, %s) is not symmetric", a, b)
			}
		}
	}
	if Comparable(StatusApproved, "paid") {
		t.Error("unknown status should not be comparable")
	}
}

// Between comparable statuses the outcome of any two deliveries does not
// depend on their order.
func TestApply_ComparablePairsCommute(t *testing.T) {
	all := []Status{StatusAwaitingPayment, StatusApproved, StatusRejected, StatusCancelled, StatusExpired, StatusRefunded}
	for _, a := range all {
		for _, b := range all {
			if a == b || !Comparable(a, b) {
				continue
			}
			start := newTestOrder(StatusCreated)
			ea, eb := statusEvent("a", start.ID, a), statusEvent("b", start.ID, b)

			ab, _, _ := Apply(start, ea)
			ab, _, _ = Apply(ab, eb)
			ba, _, _ := Apply(start, eb)
			ba, _, _ = Apply(ba, ea)
			if ab.Status != ba.Status {
				t.Errorf("%s then %s gave %s, reverse gave %s", a, b, ab.Status, ba.Status)
			}
		}
	}
}

func TestApply_IntentCreated(t *testing.T) {
	o := newTestOrder(StatusCreated)
	ev := Event{ID: "checkout:1", Kind: KindIntentCreated, CheckoutRef: "pref-123", CheckoutURL: "https://pay.example/checkout/pref-123", ReceivedAt: testNow.Add(time.Second)}

	next, effect, err := Apply(o, ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if effect != EffectTransitioned || next.Status != StatusAwaitingPayment {
		t.Fatalf("expected awaiting_payment, got %s/%s", effect, next.Status)
	}
	if next.CheckoutRef == nil || *next.CheckoutRef != "pref-123" {
		t.Errorf("expected checkout reference, got %v", next.CheckoutRef)
	}
	if next.LastEventID == nil || *next.LastEventID != "checkout:1" {
		t.Errorf("expected last event id, got %v", next.LastEventID)
	}
	if !next.UpdatedAt.Equal(ev.ReceivedAt) {
		t.Errorf("expected updated_at %v, got %v", ev.ReceivedAt, next.UpdatedAt)
	}
}

func TestApply_KeepsFirstPaymentID(t *testing.T) {
	o := newTestOrder(StatusAwaitingPayment)
	ev := statusEvent("e1", o.ID, StatusApproved)
	ev.PaymentID = "pay-1"
	next, _, _ := Apply(o, ev)
	if next.PaymentID == nil || *next.PaymentID != "pay-1" {
		t.Fatalf("expected payment id pay-1, got %v", next.PaymentID)
	}

	refund := Event{ID: "e2", Kind: KindRefund, PaymentID: "pay-2"}
	after, _, _ := Apply(next, refund)
	if *after.PaymentID != "pay-1" {
		t.Errorf("payment id overwritten: %s", *after.PaymentID)
	}
}

func TestApply_Unrecognized(t *testing.T) {
	o := newTestOrder(StatusAwaitingPayment)
	tests := []Event{
		{ID: "u1", Kind: KindUnrecognized, DeclaredStatus: "in_limbo"},
		{ID: "u2", Kind: KindStatusUpdate, Status: "paid-ish"},
		{ID: "u3", Kind: "mystery"},
	}
	for _, ev := range tests {
		next, effect, err := Apply(o, ev)
		var unrec *UnrecognizedEventError
		if !errors.As(err, &unrec) {
			t.Fatalf("%s: expected UnrecognizedEventError, got %v", ev.ID, err)
		}
		if unrec.EventID != ev.ID {
			t.Errorf("%s: error names event %q", ev.ID, unrec.EventID)
		}
		if effect != EffectParked {
			t.Errorf("%s: expected parked, got %s", ev.ID, effect)
		}
		if next != o {
			t.Errorf("%s: order changed", ev.ID)
		}
	}
}

func TestStatus_Rank(t *testing.T) {
	if !(StatusCreated.Rank() < StatusAwaitingPayment.Rank() &&
		StatusAwaitingPayment.Rank() < StatusApproved.Rank() &&
		StatusApproved.Rank() < StatusRefunded.Rank()) {
		t.Error("ranks are not increasing along the lifecycle")
	}
	for _, s := range []Status{StatusRejected, StatusCancelled, StatusExpired} {
		if s.Rank() != StatusApproved.Rank() {
			t.Errorf("%s should share the approved rank", s)
		}
	}
	if _, err := ParseStatus("paid"); err == nil {
		t.Error("expected error for unknown status")
	}
	if s, err := ParseStatus("expired"); err != nil || s != StatusExpired {
		t.Errorf("ParseStatus(expired) = %s, %v", s, err)
	}
}
