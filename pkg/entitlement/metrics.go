package entitlement

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordEntitlementCheck records an access check and its outcome.
	RecordEntitlementCheck(active bool, source string)

	// RecordEntitlementWrite records an entitlement mutation.
	// operation: "grant", "cancel"; status: "success", "stale", "error".
	RecordEntitlementWrite(operation, status string)

	// RecordQuotaCheck records a quota decision.
	// outcome: "allowed", "exceeded", "blocked", "inactive".
	RecordQuotaCheck(outcome string)

	// RecordUsageInsert records a usage write and whether it succeeded.
	RecordUsageInsert(provider, operation string, success bool)

	// RecordUsageDropped records a usage record dropped by the async
	// recorder (full buffer or exhausted retries).
	RecordUsageDropped(reason string)

	// RecordReconcileRun records a reconciliation pass.
	// outcome: "revoked", "refreshed", "skipped_young", "error".
	RecordReconcileRun(outcome string)

	// RecordStorageOperation records the duration and status of a storage
	// operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEntitlementCheck(active bool, source string)                    {}
func (n *NoopMetrics) RecordEntitlementWrite(operation, status string)                      {}
func (n *NoopMetrics) RecordQuotaCheck(outcome string)                                      {}
func (n *NoopMetrics) RecordUsageInsert(provider, operation string, success bool)           {}
func (n *NoopMetrics) RecordUsageDropped(reason string)                                     {}
func (n *NoopMetrics) RecordReconcileRun(outcome string)                                    {}
func (n *NoopMetrics) RecordStorageOperation(operation string, d time.Duration, err error)  {}
