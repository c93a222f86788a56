// Package stripe implements a billing.Provider backed by Stripe. It exists
// alongside the Polar provider to keep the Provider interface honest: the
// engine can swap billing backends with zero logic changes.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entsync/pkg/billing"
	"github.com/mihaimyh/entsync/pkg/internal"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config

	// APIKey is the Stripe secret key used for query-API calls.
	APIKey string
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	manager       *entitlement.Manager
	cache         *entitlement.SessionCache
	stripeClient  *stripe.Client
	webhookSecret []byte
	rateLimiter   *internal.RateLimiter
	logger        entitlement.Logger
	metrics       billing.Metrics
}

// NewProvider creates a Stripe billing provider. Manager and APIKey are
// required; without the API key neither payment confirmation nor identity
// sync can work, so there is no degraded mode.
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	if config.WebhookSecret == "" {
		logger.Warn("webhook secret not configured, signature verification disabled",
			entitlement.Field{Key: "provider", Value: providerName})
	}

	return &Provider{
		manager:       config.Manager,
		cache:         config.Cache,
		stripeClient:  stripe.NewClient(apiKey),
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhook deliveries,
// wrapped with per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// refreshCache synchronously refreshes the session cache for an identity a
// webhook or sync just touched.
func (p *Provider) refreshCache(ent *entitlement.Entitlement) {
	if p.cache == nil || ent == nil {
		return
	}
	p.cache.Put(ent)
}
