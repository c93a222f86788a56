package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entsync/pkg/billing"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// SyncIdentity re-derives an identity's entitlement from the Stripe API.
// Returns (nil, nil) when Stripe has no customer or no entitling
// subscription for the email; errors are transient failures only.
func (p *Provider) SyncIdentity(ctx context.Context, identity string) (*entitlement.Entitlement, error) {
	start := time.Now()
	identity = entitlement.NormalizeIdentity(identity)

	ent, err := p.syncIdentity(ctx, identity)
	p.metrics.RecordIdentitySyncDuration(providerName, time.Since(start))
	if err != nil {
		p.metrics.RecordIdentitySync(providerName, "error")
		return nil, err
	}
	p.metrics.RecordIdentitySync(providerName, "success")
	return ent, nil
}

func (p *Provider) syncIdentity(ctx context.Context, identity string) (*entitlement.Entitlement, error) {
	customerID, err := p.findCustomerByEmail(ctx, identity)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}

	best, err := p.bestSubscription(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, nil
	}

	grant := subscriptionGrant(identity, best, time.Now().UTC())
	grant.CustomerID = customerID

	ent, err := p.manager.ApplyGrant(ctx, grant)
	if err != nil {
		if errors.Is(err, entitlement.ErrStaleEvent) {
			access, accessErr := p.manager.CheckEntitlement(ctx, identity)
			if accessErr != nil {
				return nil, accessErr
			}
			return access.Entitlement, nil
		}
		return nil, err
	}

	p.refreshCache(ent)
	return ent, nil
}

func (p *Provider) findCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerListParams{}
	params.Email = stripe.String(email)
	params.Limit = stripe.Int64(1)

	for cust, err := range p.stripeClient.V1Customers.List(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
		}
		return cust.ID, nil
	}
	return "", nil
}

// bestSubscription returns the entitling subscription reaching furthest
// into the future, or nil when none entitles.
func (p *Provider) bestSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)

	var best *stripe.Subscription
	var bestEnd time.Time

	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
		}
		if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
			continue
		}
		_, end := subscriptionPeriod(sub)
		if best == nil || end.After(bestEnd) {
			best = sub
			bestEnd = end
		}
	}
	return best, nil
}
