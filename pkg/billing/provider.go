package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// Provider is the generic interface any billing backend must implement.
// This allows the engine to swap Polar for Stripe with zero logic changes.
type Provider interface {
	// Name returns the provider name (e.g. "polar", "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// events. The implementation handles signature verification, event
	// classification, payment confirmation, identity resolution and the
	// entitlement upsert internally.
	WebhookHandler() http.Handler

	// SyncIdentity re-derives the identity's entitlement from the provider's
	// query API and writes it through the Manager. Returns (nil, nil) when
	// the provider has no current entitlement for the identity, and an
	// error only for transient failures. Used by the reconciler and by
	// "restore purchases" flows.
	SyncIdentity(ctx context.Context, identity string) (*entitlement.Entitlement, error)
}

// Transition is the internal meaning of a provider event type.
type Transition int

const (
	// TransitionUnknown is an event type the engine does not understand.
	// It is logged and acknowledged as success so the sender does not retry.
	TransitionUnknown Transition = iota

	// TransitionIgnore is an event that fires before payment completes
	// (checkout/order creation or update). Granting entitlement here is the
	// single most important bug class to avoid: no money has moved yet.
	TransitionIgnore

	// TransitionConfirmAndGrant is a completion/activation event. Before any
	// entitlement is written, the provider API must independently confirm
	// the referenced record as paid.
	TransitionConfirmAndGrant

	// TransitionUpdate is a subscription update; treated as active unless
	// the payload states otherwise.
	TransitionUpdate

	// TransitionCancel is a cancellation or revocation.
	TransitionCancel
)

func (t Transition) String() string {
	switch t {
	case TransitionIgnore:
		return "ignore"
	case TransitionConfirmAndGrant:
		return "confirm_and_grant"
	case TransitionUpdate:
		return "update"
	case TransitionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}
