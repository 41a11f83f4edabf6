// Package metrics exposes keygate's Prometheus counters on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keygate"

// Metrics holds the collectors. A nil *Metrics is valid and records
// nothing, so callers need not guard every call.
type Metrics struct {
	registry      *prometheus.Registry
	admissions    *prometheus.CounterVec
	billingEvents *prometheus.CounterVec
	notifications *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_total",
			Help:      "Admission calls by operation and result code.",
		}, []string{"op", "code"}),
		billingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Billing webhook events by type and reconciliation outcome.",
		}, []string{"type", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Admission call latency including key store round trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	m.registry.MustRegister(
		m.admissions, m.billingEvents, m.notifications, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveAdmission counts one admission call and its latency.
func (m *Metrics) ObserveAdmission(op, code string, seconds float64) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(op, code).Inc()
	m.duration.WithLabelValues(op).Observe(seconds)
}

// ObserveBillingEvent counts one webhook event.
func (m *Metrics) ObserveBillingEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.billingEvents.WithLabelValues(eventType, outcome).Inc()
}

// ObserveNotification counts one channel delivery.
func (m *Metrics) ObserveNotification(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
