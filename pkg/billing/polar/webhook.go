package polar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/entsync/pkg/billing"
	"github.com/mihaimyh/entsync/pkg/internal"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

const maxWebhookBody = 256 * 1024

// webhookResponse is the JSON body returned to the webhook sender.
type webhookResponse struct {
	Received bool   `json:"received"`
	Granted  bool   `json:"granted,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleWebhook processes an inbound Polar webhook delivery.
//
// Status codes drive the sender's retry behavior: 200 acknowledges both
// successes and definitive no-ops (a retry would change nothing), 401
// rejects bad signatures, and 500 is reserved for transient failures where
// a redelivery can succeed.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Polar-Signature")
		w.WriteHeader(http.StatusNoContent)
		return
	}

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

	if len(p.webhookSecret) == 0 {
		p.logger.Warn("accepting webhook without signature verification, no secret configured",
			entitlement.Field{Key: "provider", Value: providerName})
	} else {
		sig := r.Header.Get("X-Polar-Signature")
		if sig == "" {
			sig = r.Header.Get("Polar-Signature")
		}
		if !VerifySignature(body, sig, p.webhookSecret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			p.metrics.RecordWebhookError(providerName, "auth_failed")
			return
		}
	}

	event, err := ParseEvent(body)
	if err != nil || event.Type == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	transition := Classify(event.Type)
	resp, err := p.processEvent(r.Context(), event, transition)
	duration := time.Since(startTime)
	p.metrics.RecordWebhookProcessingDuration(providerName, event.Type, duration)

	if err != nil {
		p.logger.Error("webhook processing failed",
			entitlement.Field{Key: "event_type", Value: event.Type},
			entitlement.Field{Key: "transition", Value: transition.String()},
			entitlement.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookEvent(providerName, event.Type, transition.String(), "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	status := "success"
	if !resp.Granted && resp.Reason != "" {
		status = "unconfirmed"
	}
	p.metrics.RecordWebhookEvent(providerName, event.Type, transition.String(), status)
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

// processEvent applies the classified transition. A nil error means the
// event is fully handled and must be acknowledged with 200, even when the
// outcome is "no entitlement written". Errors are transient by contract.
func (p *Provider) processEvent(ctx context.Context, event *Event, transition billing.Transition) (*webhookResponse, error) {
	eventTime := event.EventTime(time.Now().UTC())

	switch transition {
	case billing.TransitionIgnore:
		p.logger.Debug("ignoring pre-payment event",
			entitlement.Field{Key: "event_type", Value: event.Type})
		return &webhookResponse{Received: true}, nil

	case billing.TransitionConfirmAndGrant:
		return p.handleGrant(ctx, event, eventTime)

	case billing.TransitionUpdate:
		return p.handleUpdate(ctx, event, eventTime)

	case billing.TransitionCancel:
		return p.handleCancel(ctx, event, eventTime)

	default:
		p.logger.Info("unhandled event type",
			entitlement.Field{Key: "event_type", Value: event.Type})
		return &webhookResponse{Received: true}, nil
	}
}

// handleGrant processes completion and activation events. The grant only
// happens after the provider API independently confirms payment; a payload
// claiming success is never sufficient on its own.
func (p *Provider) handleGrant(ctx context.Context, event *Event, eventTime time.Time) (*webhookResponse, error) {
	grant := entitlement.Grant{
		Status:    entitlement.StatusActive,
		EventTime: eventTime,
	}

	switch event.Type {
	case "subscription.created", "subscription.active":
		sub, active, err := p.confirmSubscriptionActive(ctx, event.Data.ID)
		if err != nil {
			return nil, err
		}
		if !active {
			p.logger.Warn("subscription not in entitling state, refusing grant",
				entitlement.Field{Key: "subscription_id", Value: event.Data.ID})
			return &webhookResponse{Received: true, Reason: "subscription_not_active"}, nil
		}
		grant.SubscriptionID = sub.ID
		grant.CustomerID = sub.CustomerID
		grant.PeriodStart = sub.CurrentPeriodStart.Time
		grant.PeriodEnd = sub.CurrentPeriodEnd.Time
		if sub.Status == "trialing" {
			grant.Status = entitlement.StatusTrialing
		}

	case "checkout.completed":
		paid, err := p.confirmCheckoutPaid(ctx, event.Data.ID)
		if err != nil {
			return nil, err
		}
		if !paid {
			p.logger.Warn("checkout payment not confirmed, refusing grant",
				entitlement.Field{Key: "checkout_id", Value: event.Data.ID})
			return &webhookResponse{Received: true, Reason: "payment_unconfirmed"}, nil
		}
		grant.CustomerID = event.Data.CustomerID

	case "order.paid":
		paid, err := p.confirmOrderPaid(ctx, event.Data.ID)
		if err != nil {
			return nil, err
		}
		if !paid {
			p.logger.Warn("order payment not confirmed, refusing grant",
				entitlement.Field{Key: "order_id", Value: event.Data.ID})
			return &webhookResponse{Received: true, Reason: "payment_unconfirmed"}, nil
		}
		grant.CustomerID = event.Data.CustomerID
		if event.Data.Subscription != nil {
			grant.SubscriptionID = event.Data.Subscription.ID
			grant.PeriodStart = event.Data.Subscription.CurrentPeriodStart.Time
			grant.PeriodEnd = event.Data.Subscription.CurrentPeriodEnd.Time
		}
	}

	// One-time grants carry no subscription period of their own.
	if grant.PeriodEnd.IsZero() {
		now := time.Now().UTC()
		grant.PeriodStart = now
		grant.PeriodEnd = now.Add(p.grantPeriod)
	}

	identity, err := p.resolveIdentity(ctx, &event.Data)
	if err != nil {
		if errors.Is(err, billing.ErrIdentityNotResolved) {
			p.logger.Error("could not resolve identity for paid event",
				entitlement.Field{Key: "event_type", Value: event.Type},
				entitlement.Field{Key: "record_id", Value: event.Data.ID})
			p.metrics.RecordWebhookError(providerName, "identity_unresolved")
			return &webhookResponse{Received: true, Reason: "identity_unresolved"}, nil
		}
		return nil, err
	}
	grant.Identity = identity

	ent, err := p.manager.ApplyGrant(ctx, grant)
	if err != nil {
		if errors.Is(err, entitlement.ErrStaleEvent) {
			// Duplicate or out-of-order delivery; the stored state is newer.
			p.logger.Debug("skipping stale event",
				entitlement.Field{Key: "identity", Value: identity},
				entitlement.Field{Key: "event_type", Value: event.Type})
			return &webhookResponse{Received: true, Granted: true}, nil
		}
		return nil, err
	}

	p.refreshCache(ent)
	return &webhookResponse{Received: true, Granted: true}, nil
}

// handleUpdate processes subscription update events. An update on a
// subscription that has moved to a terminal status is routed to the cancel
// path; otherwise it refreshes status and period in place.
func (p *Provider) handleUpdate(ctx context.Context, event *Event, eventTime time.Time) (*webhookResponse, error) {
	status := event.Data.Status
	if status == "canceled" || status == "cancelled" || status == "revoked" || status == "expired" {
		return p.handleCancel(ctx, event, eventTime)
	}

	identity, err := p.resolveIdentity(ctx, &event.Data)
	if err != nil {
		if errors.Is(err, billing.ErrIdentityNotResolved) {
			p.metrics.RecordWebhookError(providerName, "identity_unresolved")
			return &webhookResponse{Received: true, Reason: "identity_unresolved"}, nil
		}
		return nil, err
	}

	grant := entitlement.Grant{
		Identity:       identity,
		Status:         entitlement.StatusActive,
		SubscriptionID: event.Data.ID,
		CustomerID:     event.Data.CustomerID,
		PeriodStart:    event.Data.CurrentPeriodStart.Time,
		PeriodEnd:      event.Data.CurrentPeriodEnd.Time,
		EventTime:      eventTime,
	}
	if status == "trialing" {
		grant.Status = entitlement.StatusTrialing
	}

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

// handleCancel processes cancellation and revocation events. A cancel for
// an identity with no stored entitlement is acknowledged as a no-op: there
// is nothing to revoke and a redelivery would not change that.
func (p *Provider) handleCancel(ctx context.Context, event *Event, _ time.Time) (*webhookResponse, error) {
	identity, err := p.resolveIdentity(ctx, &event.Data)
	if err != nil {
		if errors.Is(err, billing.ErrIdentityNotResolved) {
			p.metrics.RecordWebhookError(providerName, "identity_unresolved")
			return &webhookResponse{Received: true, Reason: "identity_unresolved"}, nil
		}
		return nil, err
	}

	if _, err := p.manager.Cancel(ctx, identity); err != nil {
		if errors.Is(err, entitlement.ErrEntitlementNotFound) {
			p.logger.Info("cancel for unknown identity, nothing to revoke",
				entitlement.Field{Key: "identity", Value: identity})
			return &webhookResponse{Received: true, Reason: "not_found"}, nil
		}
		return nil, err
	}

	if p.cache != nil {
		p.cache.Invalidate(identity)
	}
	return &webhookResponse{Received: true}, nil
}

// refreshCache synchronously refreshes the session cache for the identity
// the webhook just touched, keeping the fast path warm.
func (p *Provider) refreshCache(ent *entitlement.Entitlement) {
	if p.cache == nil || ent == nil {
		return
	}
	p.cache.Put(ent)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
