package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors for one registry. Tests build their own
// registry so repeated construction never collides.
type Metrics struct {
	registry        *prometheus.Registry
	invoices        *prometheus.CounterVec
	loyaltyPoints   *prometheus.CounterVec
	loyaltyEntries  *prometheus.CounterVec
	shifts          *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		invoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpos",
			Name:      "invoices_created_total",
			Help:      "Invoices created, by kind.",
		}, []string{"kind"}),
		loyaltyPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpos",
			Name:      "loyalty_points_total",
			Help:      "Loyalty points written to the ledger, by direction.",
		}, []string{"direction"}),
		loyaltyEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpos",
			Name:      "loyalty_entries_total",
			Help:      "Loyalty ledger entries created, by source.",
		}, []string{"source"}),
		shifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpos",
			Name:      "shift_transitions_total",
			Help:      "Shift openings and closings.",
		}, []string{"action"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpos",
			Name:      "duplicate_rejections_total",
			Help:      "Requests rejected by the duplicate guard.",
		}, []string{"key"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gpos",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	registry.MustRegister(
		m.invoices,
		m.loyaltyPoints,
		m.loyaltyEntries,
		m.shifts,
		m.duplicates,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) InvoiceCreated(isReturn bool) {
	if m == nil {
		return
	}
	kind := "sale"
	if isReturn {
		kind = "return"
	}
	m.invoices.WithLabelValues(kind).Inc()
}

// LoyaltyEntry records an entry's debit and credit. Amounts are float only
// for export.
func (m *Metrics) LoyaltyEntry(source string, debit float64, credit float64) {
	if m == nil {
		return
	}
	m.loyaltyEntries.WithLabelValues(source).Inc()
	if debit > 0 {
		m.loyaltyPoints.WithLabelValues("debit").Add(debit)
	}
	if credit > 0 {
		m.loyaltyPoints.WithLabelValues("credit").Add(credit)
	}
}

func (m *Metrics) Shift(action string) {
	if m == nil {
		return
	}
	m.shifts.WithLabelValues(action).Inc()
}

func (m *Metrics) Duplicate(key string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(key).Inc()
}

func (m *Metrics) ObserveRequest(method string, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
