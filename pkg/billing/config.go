package billing

import (
	"net/http"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// Config defines the standard configuration all providers accept.
// Configuration is passed explicitly at construction; providers never read
// ambient globals for secrets or URLs.
type Config struct {
	// Manager is the entitlement manager every write goes through (required).
	Manager *entitlement.Manager

	// Cache, when set, is refreshed synchronously whenever a webhook for a
	// cached identity is processed.
	Cache *entitlement.SessionCache

	// WebhookSecret is the shared HMAC secret for verifying inbound webhook
	// signatures. When empty, events are accepted unverified and a warning
	// is logged on every request.
	WebhookSecret string

	// AccessToken authenticates outbound query-API calls (payment
	// confirmation, identity resolution, reconciliation).
	AccessToken string

	// BaseURL overrides the provider's API base URL. Providers default it.
	BaseURL string

	// HTTPClient is an optional client for API calls. If nil, a default
	// client with a 10s timeout is used.
	HTTPClient *http.Client

	// Logger is used for structured logging (default: no-op).
	Logger entitlement.Logger

	// Metrics is an optional collector for billing operations (default: no-op).
	Metrics Metrics
}
