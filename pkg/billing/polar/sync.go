package polar

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/entsync/pkg/billing"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// SyncIdentity re-derives an identity's entitlement from the provider's
// query API and writes it through the manager. Returns (nil, nil) when the
// provider definitively reports no entitling subscription, and an error
// only on transient failures so callers can choose to leave existing state
// alone.
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
	customer, err := p.client.GetCustomerByEmail(ctx, identity)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			// The provider has never seen this identity.
			return nil, nil
		}
		return nil, err
	}

	subs, err := p.client.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return nil, err
	}

	best := pickEntitling(subs)
	if best == nil {
		return nil, nil
	}

	grant := entitlement.Grant{
		Identity:       identity,
		Status:         entitlement.StatusActive,
		SubscriptionID: best.ID,
		CustomerID:     customer.ID,
		PeriodStart:    best.CurrentPeriodStart.Time,
		PeriodEnd:      best.CurrentPeriodEnd.Time,
		EventTime:      time.Now().UTC(),
	}
	if best.Status == "trialing" {
		grant.Status = entitlement.StatusTrialing
	}

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

// pickEntitling selects the entitling subscription with the latest period
// end. An identity can hold several subscriptions when a plan change
// overlaps a billing boundary; the one reaching furthest into the future
// wins.
func pickEntitling(subs []Subscription) *Subscription {
	var best *Subscription
	for i := range subs {
		sub := &subs[i]
		if !activeSubscriptionStatuses[sub.Status] {
			continue
		}
		if best == nil || sub.CurrentPeriodEnd.After(best.CurrentPeriodEnd.Time) {
			best = sub
		}
	}
	return best
}
