package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func counterValue(t *testing.T, m *Metrics, name string, label string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestLoyaltyEntrySplitsDirections(t *testing.T) {
	m := New()
	m.LoyaltyEntry("sale", 6, 0)
	m.LoyaltyEntry("return", 0, 2.5)

	if got := counterValue(t, m, "gpos_loyalty_points_total", "debit"); got != 6 {
		t.Fatalf("expected 6 debit points, got %v", got)
	}
	if got := counterValue(t, m, "gpos_loyalty_points_total", "credit"); got != 2.5 {
		t.Fatalf("expected 2.5 credit points, got %v", got)
	}
	if got := counterValue(t, m, "gpos_loyalty_entries_total", "return"); got != 1 {
		t.Fatalf("expected one return entry, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.InvoiceCreated(true)
	m.Shift("open")
	m.Duplicate("unique_id")
	m.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.InvoiceCreated(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `gpos_invoices_created_total{kind="sale"} 1`) {
		t.Fatalf("expected invoice counter in exposition, got %s", rec.Body.String())
	}
}
