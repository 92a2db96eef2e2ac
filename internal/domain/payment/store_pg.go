package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luiz1143/Analisa-vet/internal/platform/db"
	"github.com/luiz1143/Analisa-vet/internal/platform/lock"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgLockNotAvailable    = "55P03"
)

const orderColumns = `id, report_id, owner_id, payment_id, checkout_ref, checkout_url, status,
	amount_cents, currency, version, last_event_id, created_at, updated_at`

const eventColumns = `event_id, kind, order_id, payment_id, declared_status, payload_hash, payload,
	outcome, detail, occurred_at, received_at`

type storePG struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStorePG returns a Postgres-backed Store. ApplyEvent serializes work on
// one order with a transaction-scoped advisory lock plus a row lock, and
// gives up waiting after lockTimeout.
func NewStorePG(pool *pgxpool.Pool, lockTimeout time.Duration) Store {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &storePG{pool: pool, lockTimeout: lockTimeout}
}

func (s *storePG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *storePG) CreateOrder(ctx context.Context, o *Order) error {
	if o.Version == 0 {
		o.Version = 1
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.ReportID, o.OwnerID, o.PaymentID, o.CheckoutRef, o.CheckoutURL, string(o.Status),
		o.AmountCents, o.Currency, o.Version, o.LastEventID, o.CreatedAt, o.UpdatedAt,
	)
	return mapCreateOrderError(err)
}

func mapCreateOrderError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "uq_orders_open_per_report":
			return ErrOpenOrderExists
		case pgErr.Code == pgForeignKeyViolation:
			return ErrReportNotFound
		}
	}
	return fmt.Errorf("insert order: %w", err)
}

func (s *storePG) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(s.conn(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (s *storePG) ListByReport(ctx context.Context, reportID string) ([]*Order, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE report_id = $1
		ORDER BY created_at DESC, id DESC`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *storePG) ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('created', 'awaiting_payment') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *storePG) ApplyEvent(ctx context.Context, ev Event, fn Transition) (Result, error) {
	var (
		res       Result
		parkedErr error
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		ctx := db.WithTx(ctx, tx)
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, ev.OrderID.String()); err != nil {
			return err
		}
		cur, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, ev.OrderID))
		if err != nil {
			return err
		}

		var seen bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, ev.ID).Scan(&seen); err != nil {
			return err
		}
		if seen {
			res = Result{Order: *cur, Effect: EffectDuplicate}
			return nil
		}

		next, effect, applyErr := fn(*cur, ev)
		var unrec *UnrecognizedEventError
		if applyErr != nil && !errors.As(applyErr, &unrec) {
			return applyErr
		}
		if applyErr != nil {
			if _, err := s.insertEvent(ctx, EventRecord{Event: ev, Outcome: EffectParked, Detail: unrec.Reason}); err != nil {
				return err
			}
			res = Result{Order: *cur, Effect: EffectParked}
			parkedErr = applyErr
			return nil
		}

		inserted, err := s.insertEvent(ctx, EventRecord{Event: ev, Outcome: effect})
		if err != nil {
			return err
		}
		if !inserted {
			res = Result{Order: *cur, Effect: EffectDuplicate}
			return nil
		}
		if effect != EffectTransitioned {
			res = Result{Order: *cur, Effect: effect}
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE orders SET
				status = $2, payment_id = $3, checkout_ref = $4, checkout_url = $5,
				version = $6, last_event_id = $7, updated_at = $8
			WHERE id = $1 AND version = $9`,
			next.ID, string(next.Status), next.PaymentID, next.CheckoutRef, next.CheckoutURL,
			next.Version, next.LastEventID, next.UpdatedAt, cur.Version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		res = Result{Order: next, Effect: effect}
		return nil
	})
	if err != nil {
		return Result{}, mapPGError(err)
	}
	return res, parkedErr
}

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%w: %v", lock.ErrTimeout, err)
	}
	return fmt.Errorf("apply event: %w", err)
}

func (s *storePG) insertEvent(ctx context.Context, rec EventRecord) (bool, error) {
	var orderID *uuid.UUID
	if rec.OrderID != uuid.Nil {
		id := rec.OrderID
		orderID = &id
	}
	var occurred *time.Time
	if !rec.OccurredAt.IsZero() {
		t := rec.OccurredAt
		occurred = &t
	}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	tag, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.ID, string(rec.Kind), orderID, nullString(rec.PaymentID), nullString(rec.DeclaredStatus),
		rec.PayloadHash, rec.Payload, string(rec.Outcome), nullString(rec.Detail), occurred, receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *storePG) ParkEvent(ctx context.Context, ev Event, detail string) (bool, error) {
	return s.insertEvent(ctx, EventRecord{Event: ev, Outcome: EffectParked, Detail: detail})
}

func (s *storePG) GetEvent(ctx context.Context, id string) (*EventRecord, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	recs, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (s *storePG) ListParked(ctx context.Context, limit, offset int) ([]*EventRecord, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events WHERE outcome = 'parked'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count parked events: %w", err)
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE outcome = 'parked'
		ORDER BY received_at DESC, event_id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list parked events: %w", err)
	}
	recs, err := collectEvents(rows)
	return recs, total, err
}

func (s *storePG) ListEvents(ctx context.Context, orderID uuid.UUID) ([]*EventRecord, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE order_id = $1
		ORDER BY received_at, event_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order events: %w", err)
	}
	return collectEvents(rows)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o      Order
		status string
	)
	err := row.Scan(&o.ID, &o.ReportID, &o.OwnerID, &o.PaymentID, &o.CheckoutRef, &o.CheckoutURL, &status,
		&o.AmountCents, &o.Currency, &o.Version, &o.LastEventID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = Status(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]*Order, error) {
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]*EventRecord, error) {
	defer rows.Close()
	var out []*EventRecord
	for rows.Next() {
		var (
			rec                         EventRecord
			kind, outcome               string
			orderID                     *uuid.UUID
			paymentID, declared, detail *string
			occurred                    *time.Time
		)
		if err := rows.Scan(&rec.ID, &kind, &orderID, &paymentID, &declared, &rec.PayloadHash, &rec.Payload,
			&outcome, &detail, &occurred, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		rec.Kind = EventKind(kind)
		rec.Outcome = Effect(outcome)
		if orderID != nil {
			rec.OrderID = *orderID
		}
		rec.PaymentID = deref(paymentID)
		rec.DeclaredStatus = deref(declared)
		rec.Detail = deref(detail)
		if occurred != nil {
			rec.OccurredAt = occurred.UTC()
		}
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
