package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required configuration
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnconfirmedPayment is returned when the classifier says grant but the
	// provider's query API does not confirm the referenced record as paid.
	// Indicates either a spoofed payload or a provider inconsistency.
	ErrUnconfirmedPayment = errors.New("payment not confirmed by provider")

	// ErrIdentityNotResolved is returned when no identity could be determined
	// for an event after exhausting every fallback
	ErrIdentityNotResolved = errors.New("no identity found for event")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrProviderUnavailable is returned on timeout or 5xx from the provider API.
	// Grant paths treat it as refuse-to-grant; revocation paths leave state alone.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrProviderAPIError is returned when the provider API rejects a request
	ErrProviderAPIError = errors.New("billing provider API error")
)
