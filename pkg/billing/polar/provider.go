// Package polar implements a billing.Provider backed by the Polar merchant
// platform. It verifies webhook signatures, confirms payments against the
// query API before granting, resolves billing identities to normalized
// email addresses, and exposes SyncIdentity for the reconciliation loop.
package polar

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/entsync/pkg/billing"
	"github.com/mihaimyh/entsync/pkg/internal"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

const providerName = "polar"

const (
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// defaultGrantPeriod is the entitlement window applied to one-time checkout
// and order grants that carry no subscription period of their own.
const defaultGrantPeriod = 30 * 24 * time.Hour

// Config configures the Polar provider.
type Config struct {
	billing.Config

	// GrantPeriod overrides the default 30-day window for grants that do
	// not come with subscription period dates.
	GrantPeriod time.Duration
}

// Provider processes Polar webhook events and reconciles identities
// against the Polar API.
type Provider struct {
	manager       *entitlement.Manager
	cache         *entitlement.SessionCache
	client        *Client
	webhookSecret []byte
	rateLimiter   *internal.RateLimiter
	grantPeriod   time.Duration
	logger        entitlement.Logger
	metrics       billing.Metrics
}

// NewProvider creates a Polar provider. Manager is required. A missing
// webhook secret is tolerated but logged loudly: signature checks are
// skipped until one is configured.
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, errors.New("polar: manager is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	grantPeriod := config.GrantPeriod
	if grantPeriod <= 0 {
		grantPeriod = defaultGrantPeriod
	}

	if len(config.WebhookSecret) == 0 {
		logger.Warn("webhook secret not configured, signature verification disabled",
			entitlement.Field{Key: "provider", Value: providerName})
	}

	return &Provider{
		manager:       config.Manager,
		cache:         config.Cache,
		client:        NewClient(config.Config),
		webhookSecret: []byte(config.WebhookSecret),
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		grantPeriod:   grantPeriod,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Polar webhook deliveries,
// wrapped with per-IP rate limiting. CORS preflight requests bypass the
// limiter so a throttled sender can still negotiate.
func (p *Provider) WebhookHandler() http.Handler {
	limited := p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			p.handleWebhook(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}
