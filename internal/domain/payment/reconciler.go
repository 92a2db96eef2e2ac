package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luiz1143/Analisa-vet/internal/platform/lock"
	"github.com/luiz1143/Analisa-vet/internal/platform/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 50 * time.Millisecond
	defaultLockWait    = 2 * time.Second
)

// Reconciler applies events to orders one order at a time.
type Reconciler struct {
	store       Store
	locker      lock.Locker
	log         zerolog.Logger
	maxAttempts int
	backoff     time.Duration
	lockWait    time.Duration
}

type ReconcilerOption func(*Reconciler)

// WithMaxAttempts sets how many times a lock timeout or version conflict is
// retried before giving up with ConcurrencyConflictError.
func WithMaxAttempts(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay between attempts. It grows linearly.
func WithBackoff(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.backoff = d }
}

// WithLockWait bounds each attempt to acquire the per-order lock.
func WithLockWait(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.lockWait = d
		}
	}
}

func NewReconciler(store Store, locker lock.Locker, log zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:       store,
		locker:      locker,
		log:         log.With().Str("component", "reconciler").Logger(),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		lockWait:    defaultLockWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process applies ev to its order.
//
// A duplicate event id returns the unchanged order with EffectDuplicate and no
// error. Events that cannot be interpreted, or whose order does not exist, are
// parked and reported as *UnrecognizedEventError. Lock timeouts and version
// conflicts are retried; once the budget is spent the error is a
// *ConcurrencyConflictError.
func (r *Reconciler) Process(ctx context.Context, ev Event) (Result, error) {
	log := r.log.With().Str("event_id", ev.ID).Str("kind", string(ev.Kind)).Logger()

	if ev.OrderID == uuid.Nil {
		return r.park(ctx, log, ev, "no order reference")
	}
	log = log.With().Str("order_id", ev.OrderID.String()).Logger()

	var (
		lastErr  error
		attempts int
	)
retry:
	for attempts < r.maxAttempts {
		attempts++
		if attempts > 1 {
			metrics.ReconcileRetriesTotal.Inc()
			if err := r.sleep(ctx, attempts); err != nil {
				break
			}
		}

		res, err := r.attempt(ctx, ev)
		var unrec *UnrecognizedEventError
		switch {
		case err == nil:
			log.Info().Str("effect", string(res.Effect)).Str("status", string(res.Order.Status)).
				Int("attempt", attempts).Msg("event processed")
			return res, nil
		case errors.As(err, &unrec):
			log.Warn().Str("reason", unrec.Reason).Msg("event parked")
			return res, err
		case errors.Is(err, ErrNotFound):
			return r.park(ctx, log, ev, "unknown order "+ev.OrderID.String())
		case errors.Is(err, ErrVersionConflict), errors.Is(err, lock.ErrTimeout):
			lastErr = err
			log.Debug().Err(err).Int("attempt", attempts).Msg("retrying event")
			if ctx.Err() != nil {
				break retry
			}
		default:
			return Result{}, err
		}
	}

	metrics.ReconcileConflictsTotal.Inc()
	log.Warn().Err(lastErr).Int("attempts", attempts).Msg("event not applied, retry budget spent")
	return Result{}, &ConcurrencyConflictError{OrderID: ev.OrderID, Attempts: attempts, Err: lastErr}
}

func (r *Reconciler) attempt(ctx context.Context, ev Event) (Result, error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.lockWait)
	defer cancel()

	start := time.Now()
	release, err := r.locker.Lock(lockCtx, "order:"+ev.OrderID.String())
	metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, err
	}
	defer release()

	var from Status
	res, err := r.store.ApplyEvent(ctx, ev, func(o Order, e Event) (Order, Effect, error) {
		from = o.Status
		return Apply(o, e)
	})
	if err == nil && res.Effect == EffectTransitioned {
		metrics.OrderTransitionsTotal.WithLabelValues(string(from), string(res.Order.Status)).Inc()
	}
	return res, err
}

func (r *Reconciler) park(ctx context.Context, log zerolog.Logger, ev Event, reason string) (Result, error) {
	inserted, err := r.store.ParkEvent(ctx, ev, reason)
	if err != nil {
		return Result{}, fmt.Errorf("park event %s: %w", ev.ID, err)
	}
	if !inserted {
		return Result{Effect: EffectDuplicate}, nil
	}
	log.Warn().Str("reason", reason).Msg("event parked")
	return Result{Effect: EffectParked}, &UnrecognizedEventError{EventID: ev.ID, Reason: reason}
}

func (r *Reconciler) sleep(ctx context.Context, attempt int) error {
	if r.backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(attempt-1) * r.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
