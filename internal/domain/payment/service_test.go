package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luiz1143/Analisa-vet/internal/platform/auth"
	"github.com/luiz1143/Analisa-vet/internal/platform/paygateway"
)

type mockReports struct {
	owners map[string]string
}

func (m *mockReports) ReportOwner(_ context.Context, id string) (string, error) {
	owner, ok := m.owners[id]
	if !ok {
		return "", ErrReportNotFound
	}
	return owner, nil
}

type mockCheckout struct {
	mu       sync.Mutex
	requests []paygateway.CheckoutRequest
	err      error
}

func (m *mockCheckout) CreateCheckout(_ context.Context, req paygateway.CheckoutRequest) (paygateway.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return paygateway.Checkout{}, m.err
	}
	return paygateway.Checkout{
		PreferenceID: "pref-" + req.OrderID,
		InitPoint:    "https://pay.example/checkout?pref_id=pref-" + req.OrderID,
	}, nil
}

func newTestService(store Store, checkout CheckoutProvider) *Service {
	reports := &mockReports{owners: map[string]string{"r-1": "vet-1", "r-2": "vet-2"}}
	svc := NewService(store, newTestReconciler(store), reports, checkout, "https://analisavet.example", zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc
}

var vet1 = auth.Entitlement{UserID: "vet-1"}

func TestService_CreateOrder(t *testing.T) {
	store := NewMemoryStore()
	checkout := &mockCheckout{}
	svc := newTestService(store, checkout)

	o, err := svc.CreateOrder(context.Background(), vet1, CreateOrderRequest{ReportID: "r-1", AmountCents: 2990, Currency: "brl"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if o.Status != StatusAwaitingPayment {
		t.Errorf("expected awaiting_payment, got %s", o.Status)
	}
	if o.Currency != "BRL" || o.OwnerID != "vet-1" {
		t.Errorf("unexpected order: %+v", o)
	}
	if o.CheckoutRef == nil || *o.CheckoutRef != "pref-"+o.ID.String() {
		t.Errorf("expected checkout reference, got %v", o.CheckoutRef)
	}
	if len(checkout.requests) != 1 || checkout.requests[0].BaseURL != "https://analisavet.example" {
		t.Errorf("unexpected checkout requests: %+v", checkout.requests)
	}
	if _, err := store.GetEvent(context.Background(), "checkout:"+o.ID.String()); err != nil {
		t.Errorf("expected intent event to be recorded: %v", err)
	}
}

func TestService_CreateOrder_ReturnsOpenOrder(t *testing.T) {
	store := NewMemoryStore()
	checkout := &mockCheckout{}
	svc := newTestService(store, checkout)
	req := CreateOrderRequest{ReportID: "r-1", AmountCents: 2990, Currency: "BRL"}

	first, err := svc.CreateOrder(context.Background(), vet1, req)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	second, err := svc.CreateOrder(context.Background(), vet1, req)
	if err != nil {
		t.Fatalf("create order again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the open order to be reused, got %s and %s", first.ID, second.ID)
	}
	if len(checkout.requests) != 1 {
		t.Errorf("expected a single checkout, got %d", len(checkout.requests))
	}
}

func TestService_CreateOrder_AlreadyPaid(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, &mockCheckout{})
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, vet1, CreateOrderRequest{ReportID: "r-1", AmountCents: 2990, Currency: "BRL"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.Reconciler().Process(ctx, statusEvent("pay-approved", o.ID, StatusApproved)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err = svc.CreateOrder(ctx, vet1, CreateOrderRequest{ReportID: "r-1", AmountCents: 2990, Currency: "BRL"})
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Errorf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestService_CreateOrder_NewOrderAfterRejection(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, &mockCheckout{})
	ctx := context.Background()
	req := CreateOrderRequest{ReportID: "r-1", AmountCents: 2990, Currency: "BRL"}

	first, err := svc.CreateOrder(ctx, vet1, req)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.Reconciler().Process(ctx, statusEvent("pay-rejected", first.ID, StatusRejected)); err != nil {
		t.Fatalf("reject: %v", err)
	}
	second, err := svc.CreateOrder(ctx, vet1, req)
	if err != nil {
		t.Fatalf("create second order: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a new order after rejection")
	}
}

func TestService_CreateOrder_CheckoutFailureCancels(t *testing.T) {
	store := NewMemoryStore()
	checkout := &mockCheckout{err: &paygateway.ProviderError{Op: "create preference", StatusCode: 500}}
	svc := newTestService(store, checkout)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, vet1, CreateOrderRequest{ReportID: "r-1", AmountCents: 2990, Currency: "BRL"})
	var pe *paygateway.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected provider error, got %v", err)
	}

	orders, _ := store.ListByReport(ctx, "r-1")
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Status != StatusCancelled {
		t.Errorf("expected the failed order to be cancelled, got %s", orders[0].Status)
	}

	// the open slot is free again
	checkout.err = nil
	if _, err := svc.CreateOrder(ctx, vet1, CreateOrderRequest{ReportID: "r-1", AmountCents: 2990, Currency: "BRL"}); err != nil {
		t.Errorf("expected retry to succeed, got %v", err)
	}
}

func TestService_CreateOrder_Validation(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &mockCheckout{})
	tests := []struct {
		name string
		ent  auth.Entitlement
		req  CreateOrderRequest
		want error
	}{
		{"missing report", vet1, CreateOrderRequest{AmountCents: 100, Currency: "BRL"}, ErrInvalidOrder},
		{"zero amount", vet1, CreateOrderRequest{ReportID: "r-1", Currency: "BRL"}, ErrInvalidOrder},
		{"bad currency", vet1, CreateOrderRequest{ReportID: "r-1", AmountCents: 100, Currency: "R$"}, ErrInvalidOrder},
		{"unknown report", vet1, CreateOrderRequest{ReportID: "nope", AmountCents: 100, Currency: "BRL"}, ErrReportNotFound},
		{"someone else's report", vet1, CreateOrderRequest{ReportID: "r-2", AmountCents: 100, Currency: "BRL"}, ErrReportNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateOrder(context.Background(), tt.ent, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestService_CreateOrder_NoProvider(t *testing.T) {
	svc := newTestService(NewMemoryStore(), nil)
	_, err := svc.CreateOrder(context.Background(), vet1, CreateOrderRequest{ReportID: "r-1", AmountCents: 100, Currency: "BRL"})
	if !errors.Is(err, ErrCheckoutNotReady) {
		t.Errorf("expected ErrCheckoutNotReady, got %v", err)
	}
}

func TestService_GetOrder_Ownership(t *testing.T) {
	store := NewMemoryStore()
	o := seedOrder(t, store, "r-1", StatusAwaitingPayment)
	svc := newTestService(store, nil)
	ctx := context.Background()

	if _, err := svc.GetOrder(ctx, vet1, o.ID); err != nil {
		t.Errorf("owner should see the order: %v", err)
	}
	if _, err := svc.GetOrder(ctx, auth.Entitlement{UserID: "vet-2"}, o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another user, got %v", err)
	}
	admin := auth.Entitlement{UserID: "ops", Roles: []string{auth.RoleAdmin}}
	if _, err := svc.GetOrder(ctx, admin, o.ID); err != nil {
		t.Errorf("admin should see the order: %v", err)
	}
}

func TestService_ExpireStale(t *testing.T) {
	store := NewMemoryStore()
	old := seedOrder(t, store, "r-1", StatusAwaitingPayment)
	fresh := newTestOrder(StatusAwaitingPayment)
	fresh.ID = uuid.New()
	fresh.ReportID = "r-2"
	fresh.UpdatedAt = testNow.Add(24 * time.Hour)
	if err := store.CreateOrder(context.Background(), &fresh); err != nil {
		t.Fatalf("seed fresh order: %v", err)
	}
	paid := newTestOrder(StatusApproved)
	paid.ID = uuid.New()
	paid.ReportID = "r-3"
	paid.UpdatedAt = testNow.Add(-48 * time.Hour)
	if err := store.CreateOrder(context.Background(), &paid); err != nil {
		t.Fatalf("seed paid order: %v", err)
	}

	svc := newTestService(store, nil)
	svc.now = func() time.Time { return testNow.Add(25 * time.Hour) }

	n, err := svc.ExpireStale(context.Background(), 24*time.Hour, 100)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired order, got %d", n)
	}
	got, _ := store.GetOrder(context.Background(), old.ID)
	if got.Status != StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
	got, _ = store.GetOrder(context.Background(), paid.ID)
	if got.Status != StatusApproved {
		t.Errorf("approved order must not expire, got %s", got.Status)
	}

	// running the sweep again changes nothing
	if n, err := svc.ExpireStale(context.Background(), 24*time.Hour, 100); err != nil || n != 0 {
		t.Errorf("second sweep: expected 0, got %d (%v)", n, err)
	}
}
