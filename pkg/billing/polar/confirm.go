package polar

import (
	"context"
	"errors"

	"github.com/mihaimyh/entsync/pkg/billing"
)

// paidStatuses is the whitelist of statuses that count as a settled
// payment. Anything outside it, including an unrecognized status a future
// API version might introduce, is treated as not paid.
var paidStatuses = map[string]bool{
	"complete":  true,
	"completed": true,
	"succeeded": true,
	"paid":      true,
}

// activeSubscriptionStatuses are the subscription statuses that entitle
// access. Trials count: the payment method was verified at signup.
var activeSubscriptionStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
}

// confirmCheckoutPaid verifies against the provider API that a checkout has
// a settled payment. The webhook payload's own status is never trusted for
// granting: a spoofed or stale payload must not mint an entitlement.
//
// A definitive "not paid" answer (including a 404) returns (false, nil).
// An unreachable provider returns an error so the caller can fail closed
// and let the sender retry.
func (p *Provider) confirmCheckoutPaid(ctx context.Context, checkoutID string) (bool, error) {
	checkout, err := p.client.GetCheckout(ctx, checkoutID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			return false, nil
		}
		return false, err
	}
	return paidStatuses[checkout.Status], nil
}

// confirmOrderPaid verifies an order's payment status against the provider
// API, with the same fail-closed contract as confirmCheckoutPaid.
func (p *Provider) confirmOrderPaid(ctx context.Context, orderID string) (bool, error) {
	order, err := p.client.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			return false, nil
		}
		return false, err
	}
	return paidStatuses[order.Status], nil
}

// confirmSubscriptionActive verifies that a subscription is in an
// entitling state. Subscription events have no checkout to confirm, so the
// subscription record itself is the payment gate.
func (p *Provider) confirmSubscriptionActive(ctx context.Context, subscriptionID string) (*Subscription, bool, error) {
	sub, err := p.client.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return sub, activeSubscriptionStatuses[sub.Status], nil
}
