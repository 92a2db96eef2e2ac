package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqliteTimeLayout is fixed width so stored timestamps compare correctly as
// text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type storeSQLite struct {
	db *sql.DB
}

// NewStoreSQLite returns a Store on a SQLite database opened with
// db.OpenSQLite. That connection is single-writer with immediate
// transactions, which serializes ApplyEvent across orders; the version check
// still guards each update.
func NewStoreSQLite(sqlDB *sql.DB) Store {
	return &storeSQLite{db: sqlDB}
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: sqliteTime(t), Valid: true}
}

func ptrString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *storeSQLite) CreateOrder(ctx context.Context, o *Order) error {
	if o.Version == 0 {
		o.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID.String(), o.ReportID, o.OwnerID, ptrString(o.PaymentID), ptrString(o.CheckoutRef), ptrString(o.CheckoutURL),
		string(o.Status), o.AmountCents, o.Currency, o.Version, ptrString(o.LastEventID),
		sqliteTime(o.CreatedAt), sqliteTime(o.UpdatedAt),
	)
	switch {
	case isUniqueViolation(err) && strings.Contains(err.Error(), "orders.report_id"):
		return ErrOpenOrderExists
	case isForeignKeyViolation(err):
		return ErrReportNotFound
	case err != nil:
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *storeSQLite) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanSQLiteOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id.String()))
}

func (s *storeSQLite) ListByReport(ctx context.Context, reportID string) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE report_id = ?
		ORDER BY created_at DESC, id DESC`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collectSQLiteOrders(rows)
}

func (s *storeSQLite) ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('created', 'awaiting_payment') AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`, sqliteTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return collectSQLiteOrders(rows)
}

func (s *storeSQLite) ApplyEvent(ctx context.Context, ev Event, fn Transition) (Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanSQLiteOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, ev.OrderID.String()))
	if err != nil {
		return Result{}, err
	}
	var seen int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE event_id = ?`, ev.ID).Scan(&seen); err != nil {
		return Result{}, fmt.Errorf("check webhook event: %w", err)
	}
	if seen > 0 {
		return Result{Order: *cur, Effect: EffectDuplicate}, nil
	}

	next, effect, applyErr := fn(*cur, ev)
	var unrec *UnrecognizedEventError
	if applyErr != nil && !errors.As(applyErr, &unrec) {
		return Result{}, applyErr
	}
	if applyErr != nil {
		if _, err := insertSQLiteEvent(ctx, tx, EventRecord{Event: ev, Outcome: EffectParked, Detail: unrec.Reason}); err != nil {
			return Result{}, err
		}
		if err := tx.Commit(); err != nil {
			return Result{}, fmt.Errorf("commit: %w", err)
		}
		return Result{Order: *cur, Effect: EffectParked}, applyErr
	}

	inserted, err := insertSQLiteEvent(ctx, tx, EventRecord{Event: ev, Outcome: effect})
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		return Result{Order: *cur, Effect: EffectDuplicate}, nil
	}
	res := Result{Order: *cur, Effect: effect}
	if effect == EffectTransitioned {
		r, err := tx.ExecContext(ctx, `
			UPDATE orders SET
				status = ?, payment_id = ?, checkout_ref = ?, checkout_url = ?,
				version = ?, last_event_id = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(next.Status), ptrString(next.PaymentID), ptrString(next.CheckoutRef), ptrString(next.CheckoutURL),
			next.Version, ptrString(next.LastEventID), sqliteTime(next.UpdatedAt),
			next.ID.String(), cur.Version,
		)
		if err != nil {
			return Result{}, fmt.Errorf("update order: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return Result{}, ErrVersionConflict
		}
		res.Order = next
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func insertSQLiteEvent(ctx context.Context, q sqlQueryer, rec EventRecord) (bool, error) {
	var orderID sql.NullString
	if rec.OrderID != uuid.Nil {
		orderID = sql.NullString{String: rec.OrderID.String(), Valid: true}
	}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	r, err := q.ExecContext(ctx, `
		INSERT INTO webhook_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.ID, string(rec.Kind), orderID, ptrString(nullString(rec.PaymentID)), ptrString(nullString(rec.DeclaredStatus)),
		rec.PayloadHash, rec.Payload, string(rec.Outcome), ptrString(nullString(rec.Detail)),
		nullTime(rec.OccurredAt), sqliteTime(receivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	n, _ := r.RowsAffected()
	return n == 1, nil
}

func (s *storeSQLite) ParkEvent(ctx context.Context, ev Event, detail string) (bool, error) {
	return insertSQLiteEvent(ctx, s.db, EventRecord{Event: ev, Outcome: EffectParked, Detail: detail})
}

func (s *storeSQLite) GetEvent(ctx context.Context, id string) (*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE event_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	recs, err := collectSQLiteEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (s *storeSQLite) ListParked(ctx context.Context, limit, offset int) ([]*EventRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE outcome = 'parked'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count parked events: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE outcome = 'parked'
		ORDER BY received_at DESC, event_id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list parked events: %w", err)
	}
	recs, err := collectSQLiteEvents(rows)
	return recs, total, err
}

func (s *storeSQLite) ListEvents(ctx context.Context, orderID uuid.UUID) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE order_id = ?
		ORDER BY received_at, event_id`, orderID.String())
	if err != nil {
		return nil, fmt.Errorf("list order events: %w", err)
	}
	return collectSQLiteEvents(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteOrder(row rowScanner) (*Order, error) {
	var (
		o                                Order
		id, status, created, updated     string
		paymentID, ref, url, lastEventID sql.NullString
	)
	err := row.Scan(&id, &o.ReportID, &o.OwnerID, &paymentID, &ref, &url, &status,
		&o.AmountCents, &o.Currency, &o.Version, &lastEventID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("scan order id: %w", err)
	}
	if o.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentID = strPtr(paymentID)
	o.CheckoutRef = strPtr(ref)
	o.CheckoutURL = strPtr(url)
	o.LastEventID = strPtr(lastEventID)
	return &o, nil
}

func collectSQLiteOrders(rows *sql.Rows) ([]*Order, error) {
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func collectSQLiteEvents(rows *sql.Rows) ([]*EventRecord, error) {
	defer rows.Close()
	var out []*EventRecord
	for rows.Next() {
		var (
			rec                                            EventRecord
			kind, outcome, received                        string
			orderID, paymentID, declared, detail, occurred sql.NullString
		)
		if err := rows.Scan(&rec.ID, &kind, &orderID, &paymentID, &declared, &rec.PayloadHash, &rec.Payload,
			&outcome, &detail, &occurred, &received); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		rec.Kind = EventKind(kind)
		rec.Outcome = Effect(outcome)
		if orderID.Valid {
			id, err := uuid.Parse(orderID.String)
			if err != nil {
				return nil, fmt.Errorf("scan webhook event order id: %w", err)
			}
			rec.OrderID = id
		}
		rec.PaymentID = paymentID.String
		rec.DeclaredStatus = declared.String
		rec.Detail = detail.String
		var err error
		if occurred.Valid {
			if rec.OccurredAt, err = parseSQLiteTime(occurred.String); err != nil {
				return nil, err
			}
		}
		if rec.ReceivedAt, err = parseSQLiteTime(received); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
