package polar

import "github.com/mihaimyh/entsync/pkg/billing"

// Classify maps a webhook event type to the transition it requests.
//
// Pre-payment lifecycle events (checkout or order created/updated) are
// ignored outright: acting on them would grant access before money moved.
// Grant-implying events still pass through payment confirmation against the
// provider API before any entitlement is written.
func Classify(eventType string) billing.Transition {
	switch eventType {
	case "checkout.created", "checkout.updated",
		"order.created", "order.updated":
		return billing.TransitionIgnore

	case "checkout.completed", "order.paid",
		"subscription.created", "subscription.active":
		return billing.TransitionConfirmAndGrant

	case "subscription.updated", "subscription.uncanceled":
		return billing.TransitionUpdate

	case "subscription.canceled", "subscription.cancelled", "subscription.revoked":
		return billing.TransitionCancel

	default:
		return billing.TransitionUnknown
	}
}
