package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_Idempotent(t *testing.T) {
	Register()
	Register()
}

func TestHandler_ExposesCollectors(t *testing.T) {
	Register()
	WebhookEventsTotal.WithLabelValues("accepted").Inc()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "analisavet_webhook_events_total") {
		t.Error("expected webhook counter in exposition output")
	}
}

func TestCounterVec_Labels(t *testing.T) {
	before := testutil.ToFloat64(DisclosuresTotal.WithLabelValues("preview"))
	DisclosuresTotal.WithLabelValues("preview").Inc()
	after := testutil.ToFloat64(DisclosuresTotal.WithLabelValues("preview"))
	if after-before != 1 {
		t.Errorf("expected counter to advance by 1, got %v", after-before)
	}
}
