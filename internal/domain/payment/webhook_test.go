package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/luiz1143/Analisa-vet/internal/platform/paygateway"
)

const testWebhookSecret = "whsec-test"

type mockResolver struct {
	res   paygateway.Resolution
	err   error
	calls int
}

func (m *mockResolver) Resolve(_ context.Context, n paygateway.Notification) (paygateway.Resolution, error) {
	m.calls++
	return m.res, m.err
}

func notificationBody(id, dataID string) string {
	return `{"id":"` + id + `","type":"payment","action":"payment.updated","data":{"id":"` + dataID + `"}}`
}

func runWebhook(t *testing.T, h *WebhookHandler, body string, signed bool) (*httptest.ResponseRecorder, ackResponse) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if signed {
		req.Header.Set("X-Signature", "sha256="+paygateway.SignPayload([]byte(body), testWebhookSecret))
	} else {
		req.Header.Set("X-Signature", "sha256=deadbeef")
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Receive(c); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	var ack ackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return rec, ack
}

func newTestWebhook(store Store, resolver paygateway.Resolver, opts ...ReconcilerOption) *WebhookHandler {
	rec := newTestReconciler(store, opts...)
	h := NewWebhookHandler(rec, resolver, paygateway.NewVerifier(testWebhookSecret, 0), time.Second, zerolog.Nop())
	h.now = func() time.Time { return testNow }
	return h
}

func TestWebhook_AcceptedThenDuplicate(t *testing.T) {
	store := NewMemoryStore()
	o := seedOrder(t, store, "r-1", StatusAwaitingPayment)
	resolver := &mockResolver{res: paygateway.Resolution{
		PaymentID: "123", OrderReference: o.ID.String(), Status: "approved", Class: paygateway.ClassApproved,
	}}
	h := newTestWebhook(store, resolver)
	body := notificationBody("n-1", "123")

	rec, ack := runWebhook(t, h, body, true)
	if rec.Code != http.StatusOK || ack.Result != AckAccepted {
		t.Fatalf("expected 200 accepted, got %d %+v", rec.Code, ack)
	}
	got, _ := store.GetOrder(context.Background(), o.ID)
	if got.Status != StatusApproved || got.PaymentID == nil || *got.PaymentID != "123" {
		t.Errorf("expected approved order with payment id, got %+v", got)
	}

	rec, ack = runWebhook(t, h, body, true)
	if rec.Code != http.StatusAccepted || ack.Result != AckIgnored || ack.Effect != EffectDuplicate {
		t.Errorf("expected 202 ignored duplicate, got %d %+v", rec.Code, ack)
	}
}

func TestWebhook_StaleIsIgnored(t *testing.T) {
	store := NewMemoryStore()
	o := seedOrder(t, store, "r-1", StatusApproved)
	resolver := &mockResolver{res: paygateway.Resolution{
		PaymentID: "123", OrderReference: o.ID.String(), Status: "in_process", Class: paygateway.ClassPending,
	}}
	h := newTestWebhook(store, resolver)

	rec, ack := runWebhook(t, h, notificationBody("n-2", "123"), true)
	if rec.Code != http.StatusAccepted || ack.Effect != EffectStale {
		t.Fatalf("expected 202 stale, got %d %+v", rec.Code, ack)
	}
	stored, err := store.GetEvent(context.Background(), "n-2")
	if err != nil {
		t.Fatalf("stale event should be stored: %v", err)
	}
	if stored.PayloadHash != HashPayload([]byte(notificationBody("n-2", "123"))) {
		t.Error("stored payload hash does not match the delivery")
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	store := NewMemoryStore()
	o := seedOrder(t, store, "r-1", StatusAwaitingPayment)
	resolver := &mockResolver{res: paygateway.Resolution{OrderReference: o.ID.String(), Status: "approved", Class: paygateway.ClassApproved}}
	h := newTestWebhook(store, resolver)

	rec, ack := runWebhook(t, h, notificationBody("n-3", "123"), false)
	if rec.Code != http.StatusUnauthorized || ack.Result != AckRejected {
		t.Fatalf("expected 401 rejected, got %d %+v", rec.Code, ack)
	}
	if resolver.calls != 0 {
		t.Error("unauthenticated delivery must not reach the provider")
	}
	got, _ := store.GetOrder(context.Background(), o.ID)
	if got.Status != StatusAwaitingPayment {
		t.Errorf("order changed on a rejected delivery: %s", got.Status)
	}
	if _, err := store.GetEvent(context.Background(), "n-3"); !errors.Is(err, ErrNotFound) {
		t.Error("rejected delivery must not be recorded")
	}
}

func TestWebhook_TransientProviderError(t *testing.T) {
	store := NewMemoryStore()
	resolver := &mockResolver{err: &paygateway.ProviderError{Op: "get payment", StatusCode: 502}}
	h := newTestWebhook(store, resolver)

	rec, ack := runWebhook(t, h, notificationBody("n-4", "123"), true)
	if rec.Code != http.StatusServiceUnavailable || ack.Result != AckRetry {
		t.Fatalf("expected 503 retry, got %d %+v", rec.Code, ack)
	}
}

func TestWebhook_UnsupportedTopicIsParked(t *testing.T) {
	store := NewMemoryStore()
	resolver := &mockResolver{err: paygateway.ErrUnsupportedTopic}
	h := newTestWebhook(store, resolver)

	rec, ack := runWebhook(t, h, notificationBody("n-5", "sub-9"), true)
	if rec.Code != http.StatusAccepted || ack.Effect != EffectParked {
		t.Fatalf("expected 202 parked, got %d %+v", rec.Code, ack)
	}
	_, total, _ := store.ListParked(context.Background(), 10, 0)
	if total != 1 {
		t.Errorf("expected 1 parked event, got %d", total)
	}
}

func TestWebhook_UnknownStatusIsParked(t *testing.T) {
	store := NewMemoryStore()
	o := seedOrder(t, store, "r-1", StatusAwaitingPayment)
	resolver := &mockResolver{res: paygateway.Resolution{
		PaymentID: "123", OrderReference: o.ID.String(), Status: "in_limbo", Class: paygateway.ClassUnknown,
	}}
	h := newTestWebhook(store, resolver)

	rec, ack := runWebhook(t, h, notificationBody("n-6", "123"), true)
	if rec.Code != http.StatusAccepted || ack.Effect != EffectParked {
		t.Fatalf("expected 202 parked, got %d %+v", rec.Code, ack)
	}
	rec6, err := store.GetEvent(context.Background(), "n-6")
	if err != nil {
		t.Fatalf("parked event missing: %v", err)
	}
	if rec6.DeclaredStatus != "in_limbo" {
		t.Errorf("expected declared status to be kept, got %q", rec6.DeclaredStatus)
	}
	got, _ := store.GetOrder(context.Background(), o.ID)
	if got.Status != StatusAwaitingPayment {
		t.Errorf("order changed: %s", got.Status)
	}
}

func TestWebhook_ForeignReferenceIsParked(t *testing.T) {
	store := NewMemoryStore()
	resolver := &mockResolver{res: paygateway.Resolution{
		PaymentID: "123", OrderReference: "legacy-42", Status: "approved", Class: paygateway.ClassApproved,
	}}
	h := newTestWebhook(store, resolver)

	rec, ack := runWebhook(t, h, notificationBody("n-7", "123"), true)
	if rec.Code != http.StatusAccepted || ack.Effect != EffectParked {
		t.Fatalf("expected 202 parked, got %d %+v", rec.Code, ack)
	}
}

func TestWebhook_ConflictAsksForRedelivery(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore(), conflicts: 100}
	o := seedOrder(t, store, "r-1", StatusAwaitingPayment)
	resolver := &mockResolver{res: paygateway.Resolution{
		PaymentID: "123", OrderReference: o.ID.String(), Status: "approved", Class: paygateway.ClassApproved,
	}}
	h := newTestWebhook(store, resolver, WithMaxAttempts(2))

	rec, ack := runWebhook(t, h, notificationBody("n-8", "123"), true)
	if rec.Code != http.StatusServiceUnavailable || ack.Result != AckRetry {
		t.Fatalf("expected 503 retry, got %d %+v", rec.Code, ack)
	}
}

func TestWebhook_MalformedSignedBodyIsParked(t *testing.T) {
	store := NewMemoryStore()
	resolver := &mockResolver{}
	h := newTestWebhook(store, resolver)

	rec, ack := runWebhook(t, h, `{"hello":"world"}`, true)
	if rec.Code != http.StatusAccepted || ack.Effect != EffectParked {
		t.Fatalf("expected 202 parked, got %d %+v", rec.Code, ack)
	}
	if resolver.calls != 0 {
		t.Error("malformed delivery must not reach the provider")
	}
}

func TestEventFromResolution(t *testing.T) {
	orderID := newTestOrder(StatusCreated).ID
	occurred := testNow.Add(-time.Hour)
	tests := []struct {
		class      paygateway.StatusClass
		wantKind   EventKind
		wantStatus Status
	}{
		{paygateway.ClassPending, KindStatusUpdate, StatusAwaitingPayment},
		{paygateway.ClassApproved, KindStatusUpdate, StatusApproved},
		{paygateway.ClassRejected, KindStatusUpdate, StatusRejected},
		{paygateway.ClassCancelled, KindStatusUpdate, StatusCancelled},
		{paygateway.ClassExpired, KindStatusUpdate, StatusExpired},
		{paygateway.ClassRefunded, KindRefund, ""},
		{paygateway.ClassUnknown, KindUnrecognized, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			ev := EventFromResolution(
				paygateway.Notification{ID: "n-1", Type: "payment", DataID: "55"},
				paygateway.Resolution{PaymentID: "55", OrderReference: orderID.String(), Status: "x", Class: tt.class, OccurredAt: &occurred},
				[]byte("{}"), testNow,
			)
			if ev.Kind != tt.wantKind || ev.Status != tt.wantStatus {
				t.Errorf("got %s/%s, want %s/%s", ev.Kind, ev.Status, tt.wantKind, tt.wantStatus)
			}
			if ev.OrderID != orderID || ev.ID != "n-1" {
				t.Errorf("unexpected identity: %s %s", ev.ID, ev.OrderID)
			}
			if !ev.OccurredAt.Equal(occurred) {
				t.Errorf("expected occurred_at %v, got %v", occurred, ev.OccurredAt)
			}
		})
	}
}

func TestEventFromResolution_DerivedID(t *testing.T) {
	ev := EventFromResolution(
		paygateway.Notification{Type: "payment", DataID: "55"},
		paygateway.Resolution{PaymentID: "55", Status: "approved", Class: paygateway.ClassApproved},
		nil, testNow,
	)
	if ev.ID != "payment:55:approved" {
		t.Errorf("unexpected derived id %q", ev.ID)
	}
	if ev.Kind != KindUnrecognized {
		t.Errorf("event without order reference should be unrecognized, got %s", ev.Kind)
	}
}
