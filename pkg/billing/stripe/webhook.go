package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entsync/pkg/billing"
	"github.com/mihaimyh/entsync/pkg/internal"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

const maxWebhookBody = 256 * 1024

// defaultGrantPeriod covers one-time checkouts that carry no subscription
// period of their own.
const defaultGrantPeriod = 30 * 24 * time.Hour

type webhookResponse struct {
	Received bool   `json:"received"`
	Granted  bool   `json:"granted,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleWebhook processes incoming Stripe webhook events. 200 acknowledges
// successes and definitive no-ops, 401 rejects bad signatures, 500 asks the
// sender to redeliver.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	var event stripe.Event
	if len(p.webhookSecret) == 0 {
		p.logger.Warn("accepting webhook without signature verification, no secret configured",
			entitlement.Field{Key: "provider", Value: providerName})
		if err := json.Unmarshal(body, &event); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			return
		}
	} else {
		sig := r.Header.Get("Stripe-Signature")
		event, err = stripe.ConstructEvent(body, sig, string(p.webhookSecret))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			p.metrics.RecordWebhookError(providerName, "auth_failed")
			return
		}
	}

	eventType := string(event.Type)
	transition := Classify(eventType)
	resp, err := p.processEvent(r.Context(), &event, transition)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	if err != nil {
		p.logger.Error("webhook processing failed",
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookEvent(providerName, eventType, transition.String(), "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	status := "success"
	if !resp.Granted && resp.Reason != "" {
		status = "unconfirmed"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, transition.String(), status)
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

func (p *Provider) processEvent(ctx context.Context, event *stripe.Event, transition billing.Transition) (*webhookResponse, error) {
	eventTime := time.Unix(event.Created, 0).UTC()

	switch transition {
	case billing.TransitionIgnore:
		p.logger.Debug("ignoring event",
			entitlement.Field{Key: "event_type", Value: string(event.Type)})
		return &webhookResponse{Received: true}, nil

	case billing.TransitionConfirmAndGrant:
		return p.handleGrant(ctx, event, eventTime)

	case billing.TransitionUpdate:
		return p.handleSubscriptionUpdated(ctx, event, eventTime)

	case billing.TransitionCancel:
		return p.handleSubscriptionDeleted(ctx, event)

	default:
		p.logger.Info("unhandled event type",
			entitlement.Field{Key: "event_type", Value: string(event.Type)})
		return &webhookResponse{Received: true}, nil
	}
}

// handleGrant routes completion events through payment confirmation before
// any entitlement is written.
func (p *Provider) handleGrant(ctx context.Context, event *stripe.Event, eventTime time.Time) (*webhookResponse, error) {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event, eventTime)
	case "customer.subscription.created", "invoice.payment_succeeded":
		subscriptionID, err := subscriptionIDFromEvent(event)
		if err != nil {
			return nil, err
		}
		if subscriptionID == "" {
			// One-off invoice with no subscription attached.
			return &webhookResponse{Received: true}, nil
		}
		return p.grantFromSubscription(ctx, subscriptionID, eventTime)
	}
	return &webhookResponse{Received: true}, nil
}

// handleCheckoutCompleted re-fetches the session and gates the grant on its
// payment status. The webhook payload's own status is not trusted.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event, eventTime time.Time) (*webhookResponse, error) {
	var payload stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Retrieve(ctx, payload.ID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		p.logger.Warn("checkout payment not confirmed, refusing grant",
			entitlement.Field{Key: "session_id", Value: payload.ID},
			entitlement.Field{Key: "payment_status", Value: string(session.PaymentStatus)})
		return &webhookResponse{Received: true, Reason: "payment_unconfirmed"}, nil
	}

	if session.Subscription != nil && session.Subscription.ID != "" {
		return p.grantFromSubscription(ctx, session.Subscription.ID, eventTime)
	}

	// One-time purchase with no subscription behind it.
	identity, err := p.identityFromSession(ctx, session)
	if err != nil {
		return p.identityFailure(err, payload.ID)
	}

	now := time.Now().UTC()
	grant := entitlement.Grant{
		Identity:    identity,
		Status:      entitlement.StatusActive,
		PeriodStart: now,
		PeriodEnd:   now.Add(defaultGrantPeriod),
		EventTime:   eventTime,
	}
	return p.apply(ctx, grant)
}

// grantFromSubscription fetches the subscription and writes the
// entitlement its current state implies.
func (p *Provider) grantFromSubscription(ctx context.Context, subscriptionID string, eventTime time.Time) (*webhookResponse, error) {
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}

	if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
		p.logger.Warn("subscription not in entitling state, refusing grant",
			entitlement.Field{Key: "subscription_id", Value: subscriptionID},
			entitlement.Field{Key: "status", Value: string(sub.Status)})
		return &webhookResponse{Received: true, Reason: "subscription_not_active"}, nil
	}

	identity, err := p.identityFromSubscription(ctx, sub)
	if err != nil {
		return p.identityFailure(err, subscriptionID)
	}

	grant := subscriptionGrant(identity, sub, eventTime)
	return p.apply(ctx, grant)
}

func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event, eventTime time.Time) (*webhookResponse, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	if sub.Status == stripe.SubscriptionStatusCanceled {
		return p.cancelSubscription(ctx, &sub)
	}
	if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
		// Incomplete/past_due states neither grant nor revoke.
		return &webhookResponse{Received: true, Reason: "subscription_not_active"}, nil
	}

	identity, err := p.identityFromSubscription(ctx, &sub)
	if err != nil {
		return p.identityFailure(err, sub.ID)
	}

	grant := subscriptionGrant(identity, &sub, eventTime)
	return p.apply(ctx, grant)
}

func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) (*webhookResponse, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return p.cancelSubscription(ctx, &sub)
}

func (p *Provider) cancelSubscription(ctx context.Context, sub *stripe.Subscription) (*webhookResponse, error) {
	identity, err := p.identityFromSubscription(ctx, sub)
	if err != nil {
		return p.identityFailure(err, sub.ID)
	}

	if _, err := p.manager.Cancel(ctx, identity); err != nil {
		if errors.Is(err, entitlement.ErrEntitlementNotFound) {
			return &webhookResponse{Received: true, Reason: "not_found"}, nil
		}
		return nil, err
	}

	if p.cache != nil {
		p.cache.Invalidate(identity)
	}
	return &webhookResponse{Received: true}, nil
}

// apply writes the grant through the manager, treating stale events as
// already-applied successes.
func (p *Provider) apply(ctx context.Context, grant entitlement.Grant) (*webhookResponse, error) {
	ent, err := p.manager.ApplyGrant(ctx, grant)
	if err != nil {
		if errors.Is(err, entitlement.ErrStaleEvent) {
			return &webhookResponse{Received: true, Granted: true}, nil
		}
		return nil, err
	}
	p.refreshCache(ent)
	return &webhookResponse{Received: true, Granted: true}, nil
}

func (p *Provider) identityFailure(err error, recordID string) (*webhookResponse, error) {
	if errors.Is(err, billing.ErrIdentityNotResolved) {
		p.logger.Error("could not resolve identity for paid event",
			entitlement.Field{Key: "record_id", Value: recordID})
		p.metrics.RecordWebhookError(providerName, "identity_unresolved")
		return &webhookResponse{Received: true, Reason: "identity_unresolved"}, nil
	}
	return nil, err
}

// identityFromSubscription resolves the customer's email for a
// subscription, fetching the customer record when the payload only carries
// an id.
func (p *Provider) identityFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", billing.ErrIdentityNotResolved
	}
	if sub.Customer.Email != "" {
		return entitlement.NormalizeIdentity(sub.Customer.Email), nil
	}

	cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}
	if cust.Email == "" {
		return "", billing.ErrIdentityNotResolved
	}
	return entitlement.NormalizeIdentity(cust.Email), nil
}

// identityFromSession resolves the customer's email for a checkout session.
func (p *Provider) identityFromSession(ctx context.Context, session *stripe.CheckoutSession) (string, error) {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return entitlement.NormalizeIdentity(session.CustomerDetails.Email), nil
	}
	if session.CustomerEmail != "" {
		return entitlement.NormalizeIdentity(session.CustomerEmail), nil
	}
	if session.Customer != nil && session.Customer.ID != "" {
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, session.Customer.ID, nil)
		if err != nil {
			return "", fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
		}
		if cust.Email != "" {
			return entitlement.NormalizeIdentity(cust.Email), nil
		}
	}
	return "", billing.ErrIdentityNotResolved
}

// subscriptionGrant builds a grant from a subscription's current state.
func subscriptionGrant(identity string, sub *stripe.Subscription, eventTime time.Time) entitlement.Grant {
	periodStart, periodEnd := subscriptionPeriod(sub)

	grant := entitlement.Grant{
		Identity:       identity,
		Status:         entitlement.StatusActive,
		SubscriptionID: sub.ID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		EventTime:      eventTime,
	}
	if sub.Customer != nil {
		grant.CustomerID = sub.Customer.ID
	}
	if sub.Status == stripe.SubscriptionStatusTrialing {
		grant.Status = entitlement.StatusTrialing
	}
	return grant
}

// subscriptionPeriod derives the billing period from subscription items.
// Period fields live on the items; the widest window across them wins.
func subscriptionPeriod(sub *stripe.Subscription) (start, end time.Time) {
	if sub.Items == nil {
		return start, end
	}
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodStart > 0 {
			itemStart := time.Unix(item.CurrentPeriodStart, 0).UTC()
			if start.IsZero() || itemStart.Before(start) {
				start = itemStart
			}
		}
		if item.CurrentPeriodEnd > 0 {
			itemEnd := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			if itemEnd.After(end) {
				end = itemEnd
			}
		}
	}
	return start, end
}

// subscriptionIDFromEvent digs the subscription id out of the raw payload.
// Invoices reference the subscription either as an object or a bare id
// string depending on expansion.
func subscriptionIDFromEvent(event *stripe.Event) (string, error) {
	if event.Type == "customer.subscription.created" {
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return sub.ID, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		return "", fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	switch v := raw["subscription"].(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id, nil
		}
	}
	return "", nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
