package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/luiz1143/Analisa-vet/internal/platform/db"
)

func openTestSQLite(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "payments.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if _, err := db.MigrateSQLite(ctx, sqlDB, db.SQLiteMigrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return sqlDB
}

func insertTestReport(t *testing.T, sqlDB *sql.DB, id string) {
	t.Helper()
	_, err := sqlDB.Exec(`INSERT INTO reports
		(id, owner_id, species, overall_severity, severity_rank, top_count, finding_count, snapshot_version, digest, body, created_at)
		VALUES (?, 'vet-1', 'canine', 'normal', 0, 0, 1, 'v1', 'd', '{}', ?)`, id, sqliteTime(testNow))
	if err != nil {
		t.Fatalf("insert report: %v", err)
	}
}

func TestStoreSQLite_CreateAndGet(t *testing.T) {
	sqlDB := openTestSQLite(t)
	insertTestReport(t, sqlDB, "r-1")
	store := NewStoreSQLite(sqlDB)
	ctx := context.Background()

	o := newTestOrder(StatusCreated)
	if err := store.CreateOrder(ctx, &o); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != o.ID || got.Status != StatusCreated || got.AmountCents != 2990 || got.Version != 1 {
		t.Errorf("unexpected order: %+v", got)
	}
	if !got.CreatedAt.Equal(o.CreatedAt) {
		t.Errorf("created_at: want %v, got %v", o.CreatedAt, got.CreatedAt)
	}
	if got.PaymentID != nil || got.CheckoutRef != nil {
		t.Errorf("expected nil optional fields, got %+v", got)
	}

	if _, err := store.GetOrder(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSQLite_OneOpenOrderPerReport(t *testing.T) {
	sqlDB := openTestSQLite(t)
	insertTestReport(t, sqlDB, "r-1")
	store := NewStoreSQLite(sqlDB)
	ctx := context.Background()

	first := newTestOrder(StatusCreated)
	if err := store.CreateOrder(ctx, &first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := newTestOrder(StatusCreated)
	second.ID = uuid.New()
	if err := store.CreateOrder(ctx, &second); !errors.Is(err, ErrOpenOrderExists) {
		t.Errorf("expected ErrOpenOrderExists, got %v", err)
	}

	orphan := newTestOrder(StatusCreated)
	orphan.ID = uuid.New()
	orphan.ReportID = "missing"
	if err := store.CreateOrder(ctx, &orphan); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("expected ErrReportNotFound, got %v", err)
	}
}

func TestStoreSQLite_ApplyEvent(t *testing.T) {
	sqlDB := openTestSQLite(t)
	insertTestReport(t, sqlDB, "r-1")
	store := NewStoreSQLite(sqlDB)
	ctx := context.Background()

	o := newTestOrder(StatusAwaitingPayment)
	if err := store.CreateOrder(ctx, &o); err != nil {
		t.Fatalf("create: %v", err)
	}

	ev := statusEvent("e1", o.ID, StatusApproved)
	ev.PaymentID = "pay-1"
	ev.Payload = []byte(`{"id":"e1"}`)
	ev.PayloadHash = HashPayload(ev.Payload)
	res, err := store.ApplyEvent(ctx, ev, Apply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Effect != EffectTransitioned || res.Order.Status != StatusApproved {
		t.Fatalf("expected approved, got %s/%s", res.Effect, res.Order.Status)
	}

	got, _ := store.GetOrder(ctx, o.ID)
	if got.Status != StatusApproved || got.Version != 2 || got.PaymentID == nil || *got.PaymentID != "pay-1" {
		t.Errorf("order not persisted: %+v", got)
	}

	res, err = store.ApplyEvent(ctx, ev, Apply)
	if err != nil || res.Effect != EffectDuplicate {
		t.Errorf("expected duplicate, got %s/%v", res.Effect, err)
	}

	res, err = store.ApplyEvent(ctx, statusEvent("e2", o.ID, StatusAwaitingPayment), Apply)
	if err != nil || res.Effect != EffectStale {
		t.Errorf("expected stale, got %s/%v", res.Effect, err)
	}

	events, err := store.ListEvents(ctx, o.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Outcome != EffectTransitioned || string(events[0].Payload) != `{"id":"e1"}` {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Outcome != EffectStale {
		t.Errorf("expected second event stale, got %s", events[1].Outcome)
	}

	if _, err := store.ApplyEvent(ctx, statusEvent("e3", uuid.New(), StatusApproved), Apply); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown order, got %v", err)
	}
}

func TestStoreSQLite_FailedTransitionRollsBack(t *testing.T) {
	sqlDB := openTestSQLite(t)
	insertTestReport(t, sqlDB, "r-1")
	store := NewStoreSQLite(sqlDB)
	ctx := context.Background()

	o := newTestOrder(StatusAwaitingPayment)
	if err := store.CreateOrder(ctx, &o); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	_, err := store.ApplyEvent(ctx, statusEvent("e1", o.ID, StatusApproved), func(Order, Event) (Order, Effect, error) {
		return Order{}, "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.GetEvent(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("event must not be recorded when the transition fails, got %v", err)
	}
}

func TestStoreSQLite_ParkedEvents(t *testing.T) {
	sqlDB := openTestSQLite(t)
	insertTestReport(t, sqlDB, "r-1")
	store := NewStoreSQLite(sqlDB)
	ctx := context.Background()

	o := newTestOrder(StatusAwaitingPayment)
	if err := store.CreateOrder(ctx, &o); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := store.ApplyEvent(ctx, Event{ID: "u1", Kind: KindUnrecognized, OrderID: o.ID, DeclaredStatus: "in_limbo", PayloadHash: "h"}, Apply)
	var unrec *UnrecognizedEventError
	if !errors.As(err, &unrec) {
		t.Fatalf("expected UnrecognizedEventError, got %v", err)
	}
	for i := 0; i < 3; i++ {
		inserted, err := store.ParkEvent(ctx, Event{ID: fmt.Sprintf("p%d", i), Kind: KindUnrecognized, PayloadHash: "h", ReceivedAt: testNow.Add(time.Duration(i) * time.Second)}, "no order reference")
		if err != nil || !inserted {
			t.Fatalf("park p%d: %v %v", i, inserted, err)
		}
	}
	if inserted, _ := store.ParkEvent(ctx, Event{ID: "p0", Kind: KindUnrecognized, PayloadHash: "h"}, "again"); inserted {
		t.Error("re-parking an event id should be a no-op")
	}

	page, total, err := store.ListParked(ctx, 2, 0)
	if err != nil {
		t.Fatalf("list parked: %v", err)
	}
	if total != 4 || len(page) != 2 {
		t.Fatalf("expected 2 of 4 parked events, got %d of %d", len(page), total)
	}

	rec, err := store.GetEvent(ctx, "u1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if rec.Detail != "unrecognized status in_limbo" || rec.OrderID != o.ID {
		t.Errorf("unexpected parked record: %+v", rec)
	}
	got, _ := store.GetOrder(ctx, o.ID)
	if got.Status != StatusAwaitingPayment || got.Version != 1 {
		t.Errorf("order changed: %+v", got)
	}
}

func TestStoreSQLite_ListOpenBefore(t *testing.T) {
	sqlDB := openTestSQLite(t)
	insertTestReport(t, sqlDB, "r-1")
	insertTestReport(t, sqlDB, "r-2")
	insertTestReport(t, sqlDB, "r-3")
	store := NewStoreSQLite(sqlDB)
	ctx := context.Background()

	for i, tc := range []struct {
		report  string
		status  Status
		updated time.Time
	}{
		{"r-1", StatusAwaitingPayment, testNow.Add(-2 * time.Hour)},
		{"r-2", StatusAwaitingPayment, testNow},
		{"r-3", StatusApproved, testNow.Add(-3 * time.Hour)},
	} {
		o := newTestOrder(tc.status)
		o.ID = uuid.New()
		o.ReportID = tc.report
		o.UpdatedAt = tc.updated
		if err := store.CreateOrder(ctx, &o); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	open, err := store.ListOpenBefore(ctx, testNow.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ReportID != "r-1" {
		t.Errorf("expected only the stale open order, got %+v", open)
	}

	byReport, err := store.ListByReport(ctx, "r-3")
	if err != nil || len(byReport) != 1 || byReport[0].Status != StatusApproved {
		t.Errorf("list by report: %+v %v", byReport, err)
	}
}

func TestStoreSQLite_ConcurrentReconcile(t *testing.T) {
	sqlDB := openTestSQLite(t)
	insertTestReport(t, sqlDB, "r-1")
	store := NewStoreSQLite(sqlDB)
	o := newTestOrder(StatusCreated)
	if err := store.CreateOrder(context.Background(), &o); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := newTestReconciler(store)

	statuses := []Status{StatusAwaitingPayment, StatusApproved, StatusRejected}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Process(context.Background(), statusEvent(fmt.Sprintf("e%d", i), o.ID, statuses[i%3])); err != nil {
				t.Errorf("process e%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.GetOrder(context.Background(), o.ID)
	if !got.Status.Terminal() {
		t.Errorf("expected terminal status, got %s", got.Status)
	}
	events, _ := store.ListEvents(context.Background(), o.ID)
	if len(events) != 12 {
		t.Errorf("expected 12 events, got %d", len(events))
	}
}
