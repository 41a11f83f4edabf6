package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveAdmission("login", "ok", 0.01)
	m.ObserveAdmission("login", "ok", 0.02)
	m.ObserveAdmission("login", "login_limit_reached", 0.01)
	m.ObserveBillingEvent("checkout.session.completed", "created")
	m.ObserveNotification("email", nil)
	m.ObserveNotification("email", errors.New("down"))

	if got := testutil.ToFloat64(m.admissions.WithLabelValues("login", "ok")); got != 2 {
		t.Errorf("login ok: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.admissions.WithLabelValues("login", "login_limit_reached")); got != 1 {
		t.Errorf("login limit: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.billingEvents.WithLabelValues("checkout.session.completed", "created")); got != 1 {
		t.Errorf("billing: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("email", "error")); got != 1 {
		t.Errorf("notification errors: got %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAdmission("login", "ok", 0)
	m.ObserveBillingEvent("x", "y")
	m.ObserveNotification("email", nil)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveAdmission("bind", "ok", 0.001)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 {
		t.Fatalf("got status %d", rec.Code)
	}
	if !strings.Contains(string(body), `keygate_admission_total{code="ok",op="bind"} 1`) {
		t.Errorf("metrics output missing admission counter:\n%s", body)
	}
}
