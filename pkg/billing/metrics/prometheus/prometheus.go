// Package prommetrics provides a Prometheus implementation of the billing.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billing.Metrics using Prometheus collectors.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookErrors   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	identitySyncs   *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	apiCalls        *prometheus.CounterVec
	apiCallDuration *prometheus.HistogramVec
}

// NewMetrics creates a Prometheus metrics collector registered with reg.
// Pass prometheus.DefaultRegisterer to use the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Total number of billing webhook events processed",
		}, []string{"provider", "event_type", "transition", "status"}),
		webhookErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_errors_total",
			Help: "Total number of billing webhook errors",
		}, []string{"provider", "error_type"}),
		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_webhook_processing_duration_seconds",
			Help:    "Duration of billing webhook processing",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),
		identitySyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_identity_syncs_total",
			Help: "Total number of identity reconciliation syncs",
		}, []string{"provider", "status"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_identity_sync_duration_seconds",
			Help:    "Duration of identity reconciliation syncs",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_api_calls_total",
			Help: "Total number of outbound provider API calls",
		}, []string{"provider", "endpoint", "status"}),
		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_api_call_duration_seconds",
			Help:    "Duration of outbound provider API calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, transition, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, transition, status).Inc()
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordIdentitySync(provider, status string) {
	m.identitySyncs.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordIdentitySyncDuration(provider string, duration time.Duration) {
	m.syncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
