// Package prommetrics provides a Prometheus implementation of the
// entitlement.Metrics interface.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	entitlementChecks  *prometheus.CounterVec
	entitlementWrites  *prometheus.CounterVec
	quotaChecks        *prometheus.CounterVec
	usageInserts       *prometheus.CounterVec
	usageDropped       *prometheus.CounterVec
	reconcileRuns      *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation registered
// against reg under the given namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		entitlementChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_checks_total",
			Help:      "Total number of entitlement access checks.",
		}, []string{"active", "source"}),

		entitlementWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_writes_total",
			Help:      "Total number of entitlement mutations.",
		}, []string{"operation", "status"}),

		quotaChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Total number of quota decisions.",
		}, []string{"outcome"}),

		usageInserts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_inserts_total",
			Help:      "Total number of usage record writes.",
		}, []string{"provider", "operation", "success"}),

		usageDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_dropped_total",
			Help:      "Total number of usage records dropped by the recorder.",
		}, []string{"reason"}),

		reconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Total number of per-identity reconciliation outcomes.",
		}, []string{"outcome"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordEntitlementCheck(active bool, source string) {
	m.entitlementChecks.WithLabelValues(strconv.FormatBool(active), source).Inc()
}

func (m *Metrics) RecordEntitlementWrite(operation, status string) {
	m.entitlementWrites.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordQuotaCheck(outcome string) {
	m.quotaChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordUsageInsert(provider, operation string, success bool) {
	m.usageInserts.WithLabelValues(provider, operation, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordUsageDropped(reason string) {
	m.usageDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReconcileRun(outcome string) {
	m.reconcileRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}
