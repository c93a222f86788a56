package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// Providers gracefully handle a nil collector by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event and its outcome.
	// transition: the classified transition ("ignore", "confirm_and_grant", ...)
	// status: "success", "unconfirmed", "error".
	RecordWebhookEvent(provider, eventType, transition, status string)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "identity_unresolved",
	// "payload_too_large", "processing_error".
	RecordWebhookError(provider, errorType string)

	// RecordWebhookProcessingDuration records how long a webhook took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordIdentitySync records a reconciliation sync for one identity.
	// status: "success" or "error".
	RecordIdentitySync(provider, status string)

	// RecordIdentitySyncDuration records how long an identity sync took.
	RecordIdentitySyncDuration(provider string, duration time.Duration)

	// RecordAPICall records an outbound call to the provider's query API.
	// status: HTTP status code as string, or "timeout"/"error".
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _, _ string)                         {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordIdentitySync(_, _ string)                               {}
func (n *NoopMetrics) RecordIdentitySyncDuration(_ string, _ time.Duration)         {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
