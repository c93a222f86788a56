package stripe

import "github.com/mihaimyh/entsync/pkg/billing"

// Classify maps a Stripe event type to the transition it requests.
//
// invoice.payment_failed is deliberately an ignore: Stripe keeps the
// subscription alive through its dunning flow, and the cancellation event
// arrives separately if recovery fails. Revoking on the first failed charge
// would punish card hiccups.
func Classify(eventType string) billing.Transition {
	switch eventType {
	case "checkout.session.expired", "invoice.payment_failed",
		"invoice.created", "invoice.finalized":
		return billing.TransitionIgnore

	case "checkout.session.completed", "customer.subscription.created",
		"invoice.payment_succeeded":
		return billing.TransitionConfirmAndGrant

	case "customer.subscription.updated":
		return billing.TransitionUpdate

	case "customer.subscription.deleted":
		return billing.TransitionCancel

	default:
		return billing.TransitionUnknown
	}
}
