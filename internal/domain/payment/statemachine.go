package payment

// Apply computes the order that results from ev. It is a pure function: the
// caller persists the returned order and records the event.
//
// An event whose status is not above the current one on the Rank order is
// stale; it is kept for audit and changes nothing. Refunds are the only way
// out of approved. A refund seen before its approval still lands on
// refunded, so delivery order does not change the outcome for comparable
// statuses. A failed status and a refund are incomparable and the first one
// applied stands.
func Apply(o Order, ev Event) (Order, Effect, error) {
	if o.LastEventID != nil && *o.LastEventID == ev.ID {
		return o, EffectDuplicate, nil
	}

	target, err := targetStatus(ev)
	if err != nil {
		return o, EffectParked, err
	}

	if !allowed(o.Status, target) {
		return o, EffectStale, nil
	}

	next := o
	next.Status = target
	next.Version = o.Version + 1
	id := ev.ID
	next.LastEventID = &id
	if !ev.ReceivedAt.IsZero() {
		next.UpdatedAt = ev.ReceivedAt
	}
	if next.PaymentID == nil && ev.PaymentID != "" {
		pid := ev.PaymentID
		next.PaymentID = &pid
	}
	if ev.Kind == KindIntentCreated {
		if ev.CheckoutRef != "" {
			ref := ev.CheckoutRef
			next.CheckoutRef = &ref
		}
		if ev.CheckoutURL != "" {
			u := ev.CheckoutURL
			next.CheckoutURL = &u
		}
	}
	return next, EffectTransitioned, nil
}

func targetStatus(ev Event) (Status, error) {
	switch ev.Kind {
	case KindIntentCreated:
		return StatusAwaitingPayment, nil
	case KindRefund:
		return StatusRefunded, nil
	case KindStatusUpdate:
		if !ev.Status.Valid() {
			return "", &UnrecognizedEventError{EventID: ev.ID, Reason: "unknown status " + string(ev.Status)}
		}
		return ev.Status, nil
	case KindUnrecognized:
		reason := "unrecognized payload"
		if ev.DeclaredStatus != "" {
			reason = "unrecognized status " + ev.DeclaredStatus
		}
		return "", &UnrecognizedEventError{EventID: ev.ID, Reason: reason}
	default:
		return "", &UnrecognizedEventError{EventID: ev.ID, Reason: "unknown kind " + string(ev.Kind)}
	}
}

func allowed(from, to Status) bool {
	return Comparable(from, to) && to.Rank() > from.Rank()
}
