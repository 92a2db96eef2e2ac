package paygateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newProvider(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", zerolog.Nop())
}

func TestCreateCheckout(t *testing.T) {
	var got preference
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/checkout/preferences" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"pref-123","init_point":"https://pay.example/pref-123"}`))
	})

	out, err := c.CreateCheckout(context.Background(), CheckoutRequest{
		OrderID:     "order-1",
		Title:       "AnalisaVet report",
		AmountCents: 2990,
		Currency:    "brl",
		BaseURL:     "https://vet.example/",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if out.PreferenceID != "pref-123" || out.InitPoint != "https://pay.example/pref-123" {
		t.Errorf("unexpected checkout %+v", out)
	}
	if got.ExternalReference != "order-1" {
		t.Errorf("external_reference = %q", got.ExternalReference)
	}
	if got.NotificationURL != "https://vet.example/webhooks/payments" {
		t.Errorf("notification_url = %q", got.NotificationURL)
	}
	if len(got.Items) != 1 || got.Items[0].UnitPrice != 29.90 || got.Items[0].CurrencyID != "BRL" {
		t.Errorf("unexpected items %+v", got.Items)
	}
}

func TestCreateCheckout_ProviderError(t *testing.T) {
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream down`))
	})
	_, err := c.CreateCheckout(context.Background(), CheckoutRequest{OrderID: "o", AmountCents: 1, Currency: "BRL"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !pe.Transient() || !IsTransient(err) {
		t.Error("502 should be transient")
	}
}

func TestProviderError_NotTransientOn4xx(t *testing.T) {
	err := &ProviderError{Op: "get_payment", StatusCode: http.StatusNotFound}
	if IsTransient(err) {
		t.Error("404 should not be transient")
	}
}

func TestResolve_Payment(t *testing.T) {
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/987" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":987,"status":"approved","external_reference":"order-1","date_last_updated":"2024-03-01T10:00:00.000-03:00"}`))
	})

	res, err := c.Resolve(context.Background(), Notification{Type: "payment", DataID: "987"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.PaymentID != "987" || res.Class != ClassApproved || res.OrderReference != "order-1" {
		t.Errorf("unexpected resolution %+v", res)
	}
	if res.OccurredAt == nil {
		t.Error("expected occurred timestamp")
	}
}

func TestResolve_MerchantOrderUsesFirstPayment(t *testing.T) {
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/merchant_orders/55":
			w.Write([]byte(`{"id":55,"external_reference":"order-2","payments":[{"id":111,"status":"rejected"},{"id":222}]}`))
		case "/v1/payments/111":
			w.Write([]byte(`{"id":111,"status":"rejected","external_reference":"order-2"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := c.Resolve(context.Background(), Notification{Type: "merchant_order", DataID: "55"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.PaymentID != "111" || res.Class != ClassRejected {
		t.Errorf("unexpected resolution %+v", res)
	}
}

func TestResolve_MerchantOrderWithoutPayments(t *testing.T) {
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":56,"external_reference":"order-3","payments":[]}`))
	})
	_, err := c.Resolve(context.Background(), Notification{Type: "merchant_order", DataID: "56"})
	if !errors.Is(err, ErrNoPayment) {
		t.Fatalf("expected ErrNoPayment, got %v", err)
	}
}

func TestResolve_UnsupportedTopic(t *testing.T) {
	c := NewClient("http://unused", "t", zerolog.Nop())
	_, err := c.Resolve(context.Background(), Notification{Type: "subscription_preapproval", DataID: "1"})
	if !errors.Is(err, ErrUnsupportedTopic) {
		t.Fatalf("expected ErrUnsupportedTopic, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]StatusClass{
		"pending":      ClassPending,
		"in_process":   ClassPending,
		"authorized":   ClassPending,
		"APPROVED":     ClassApproved,
		"rejected":     ClassRejected,
		"cancelled":    ClassCancelled,
		"expired":      ClassExpired,
		"refunded":     ClassRefunded,
		"charged_back": ClassRefunded,
		"mystery":      ClassUnknown,
		"":             ClassUnknown,
	}
	for status, want := range tests {
		if got := Classify(status); got != want {
			t.Errorf("Classify(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		query   url.Values
		wantID  string
		want    string
		wantErr bool
	}{
		{
			name:   "numeric ids",
			body:   `{"id":12345,"type":"payment","action":"payment.updated","data":{"id":"987"}}`,
			wantID: "12345",
			want:   "987",
		},
		{
			name:  "topic and resource",
			body:  `{"topic":"merchant_order","resource":"https://api.example/merchant_orders/55"}`,
			want:  "55",
		},
		{
			name:  "query string only",
			query: url.Values{"type": {"payment"}, "data.id": {"42"}},
			want:  "42",
		},
		{
			name:    "missing resource id",
			body:    `{"type":"payment","data":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `type=payment`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseNotification([]byte(tt.body), tt.query)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedNotification) {
					t.Fatalf("expected ErrMalformedNotification, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n.DataID != tt.want {
				t.Errorf("DataID = %q, want %q", n.DataID, tt.want)
			}
			if n.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", n.ID, tt.wantID)
			}
		})
	}
}

func TestVerifier_BodyDigest(t *testing.T) {
	v := NewVerifier("s3cret", 0)
	body := []byte(`{"type":"payment","data":{"id":"1"}}`)

	h := http.Header{}
	h.Set("X-Signature", SignPayload(body, "s3cret"))
	if err := v.Verify(h, body, "1"); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	h.Set("X-Signature", "sha256="+SignPayload(body, "s3cret"))
	if err := v.Verify(h, body, "1"); err != nil {
		t.Fatalf("expected prefixed signature to verify, got %v", err)
	}

	h.Set("X-Signature", SignPayload(body, "other"))
	var se *SignatureError
	if err := v.Verify(h, body, "1"); !errors.As(err, &se) {
		t.Fatalf("expected SignatureError, got %v", err)
	}
}

func TestVerifier_Manifest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier("s3cret", 5*time.Minute)
	v.now = func() time.Time { return now }

	ts := strconv.FormatInt(now.Unix(), 10)
	sig := SignPayload([]byte(Manifest("ABC123", "req-1", ts)), "s3cret")

	h := http.Header{}
	h.Set("X-Request-Id", "req-1")
	h.Set("X-Signature", "ts="+ts+",v1="+sig)
	if err := v.Verify(h, []byte(`{}`), "ABC123"); err != nil {
		t.Fatalf("expected valid manifest signature, got %v", err)
	}

	// replayed outside the window
	v.now = func() time.Time { return now.Add(10 * time.Minute) }
	if err := v.Verify(h, []byte(`{}`), "ABC123"); err == nil || !strings.Contains(err.Error(), "tolerance") {
		t.Fatalf("expected tolerance rejection, got %v", err)
	}

	// data id tampered
	v.now = func() time.Time { return now }
	if err := v.Verify(h, []byte(`{}`), "XYZ"); err == nil {
		t.Fatal("expected mismatch for a different data id")
	}
}

func TestVerifier_RejectsWithoutSecretOrHeader(t *testing.T) {
	if err := NewVerifier("", 0).Verify(http.Header{"X-Signature": {"abc"}}, nil, ""); err == nil {
		t.Error("expected rejection without secret")
	}
	if err := NewVerifier("s", 0).Verify(http.Header{}, nil, ""); err == nil {
		t.Error("expected rejection without header")
	}
}

func TestManifest_OmitsMissingParts(t *testing.T) {
	if got := Manifest("AbC", "", "10"); got != "id:abc;ts:10;" {
		t.Errorf("Manifest = %q", got)
	}
}
