// Package metrics exposes Prometheus collectors for the engine.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "inapp"

// Metrics groups every collector the engine records to.
type Metrics struct {
	StorageSyncs          *prometheus.CounterVec
	StorageErrors         *prometheus.CounterVec
	ProviderErrors        *prometheus.CounterVec
	Dispatches            *prometheus.CounterVec
	MessagesMatched       prometheus.Counter
	LifecycleNotification *prometheus.CounterVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StorageSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_syncs_total",
			Help:      "Storage sync attempts by outcome.",
		}, []string{"outcome"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Swallowed storage failures by cache operation.",
		}, []string{"op"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider fetch/evaluate failures.",
		}, []string{"provider", "op"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Analytics payloads seen by the dispatch pipeline by result.",
		}, []string{"result"}),
		MessagesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_matched_total",
			Help:      "Messages published under messagesReceived.",
		}),
		LifecycleNotification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_notifications_total",
			Help:      "Lifecycle publications by kind.",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin API requests.",
		}, []string{"path", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of admin API requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StorageSyncs,
			m.StorageErrors,
			m.ProviderErrors,
			m.Dispatches,
			m.MessagesMatched,
			m.LifecycleNotification,
			m.HTTPRequests,
			m.HTTPDuration,
		)
	}

	return m
}

// SyncAttempt records a storage sync outcome.
func (m *Metrics) SyncAttempt(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.StorageSyncs.WithLabelValues(outcome).Inc()
}

// StorageError records a swallowed storage failure.
func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

// ProviderError records a provider failure.
func (m *Metrics) ProviderError(provider, op string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, op).Inc()
}

// Dispatch records a dispatch result: ignored, empty, published, or failed.
func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(result).Inc()
}

// Matched records messages published under messagesReceived.
func (m *Metrics) Matched(n int) {
	if m == nil {
		return
	}
	m.MessagesMatched.Add(float64(n))
}

// Lifecycle records one lifecycle publication.
func (m *Metrics) Lifecycle(kind string) {
	if m == nil {
		return
	}
	m.LifecycleNotification.WithLabelValues(kind).Inc()
}

// HTTPRequest records one admin API request by route pattern.
func (m *Metrics) HTTPRequest(path, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(path, method, status).Inc()
	m.HTTPDuration.WithLabelValues(path, method, status).Observe(elapsed.Seconds())
}
