package polar

import (
	"context"
	"errors"

	"github.com/mihaimyh/entsync/pkg/billing"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// payloadEmail walks the known payload locations for an email address in
// priority order and returns the first non-empty hit. Different event types
// place the email in different spots, and payload shapes have shifted
// across API versions, so every historical location stays on the list.
func payloadEmail(data *EventData) string {
	if data.Customer != nil {
		if data.Customer.Email != "" {
			return data.Customer.Email
		}
		if data.Customer.EmailAddress != "" {
			return data.Customer.EmailAddress
		}
	}
	if data.CustomerEmail != "" {
		return data.CustomerEmail
	}
	if data.Email != "" {
		return data.Email
	}
	if data.Metadata != nil {
		if email := data.Metadata["email"]; email != "" {
			return email
		}
		if email := data.Metadata["user_email"]; email != "" {
			return email
		}
	}
	if data.Checkout != nil {
		if data.Checkout.CustomerEmail != "" {
			return data.Checkout.CustomerEmail
		}
		if data.Checkout.Customer != nil && data.Checkout.Customer.Email != "" {
			return data.Checkout.Customer.Email
		}
	}
	if data.Subscription != nil && data.Subscription.Customer != nil {
		return data.Subscription.Customer.Email
	}
	return ""
}

// resolveIdentity resolves the billing identity (a normalized email) for an
// event. The payload is tried first; when it carries no email the provider
// API is consulted, first by customer id, then via the checkout the event
// references. Returns ErrIdentityNotResolved once every source is
// exhausted.
func (p *Provider) resolveIdentity(ctx context.Context, data *EventData) (string, error) {
	if email := payloadEmail(data); email != "" {
		return entitlement.NormalizeIdentity(email), nil
	}

	if data.CustomerID != "" {
		customer, err := p.client.GetCustomer(ctx, data.CustomerID)
		if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
			return "", err
		}
		if err == nil {
			if customer.Email != "" {
				return entitlement.NormalizeIdentity(customer.Email), nil
			}
			if customer.EmailAddress != "" {
				return entitlement.NormalizeIdentity(customer.EmailAddress), nil
			}
		}
	}

	checkoutID := data.CheckoutID
	if checkoutID == "" && data.Checkout != nil {
		checkoutID = data.Checkout.ID
	}
	if checkoutID != "" {
		checkout, err := p.client.GetCheckout(ctx, checkoutID)
		if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
			return "", err
		}
		if err == nil {
			if checkout.CustomerEmail != "" {
				return entitlement.NormalizeIdentity(checkout.CustomerEmail), nil
			}
			if checkout.Customer != nil && checkout.Customer.Email != "" {
				return entitlement.NormalizeIdentity(checkout.Customer.Email), nil
			}
			if checkout.CustomerID != "" {
				customer, err := p.client.GetCustomer(ctx, checkout.CustomerID)
				if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
					return "", err
				}
				if err == nil && customer.Email != "" {
					return entitlement.NormalizeIdentity(customer.Email), nil
				}
			}
		}
	}

	return "", billing.ErrIdentityNotResolved
}
