package polar

import (
	"testing"

	"github.com/mihaimyh/entsync/pkg/billing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		eventType string
		want      billing.Transition
	}{
		{"checkout.created", billing.TransitionIgnore},
		{"checkout.updated", billing.TransitionIgnore},
		{"order.created", billing.TransitionIgnore},
		{"order.updated", billing.TransitionIgnore},

		{"checkout.completed", billing.TransitionConfirmAndGrant},
		{"order.paid", billing.TransitionConfirmAndGrant},
		{"subscription.created", billing.TransitionConfirmAndGrant},
		{"subscription.active", billing.TransitionConfirmAndGrant},

		{"subscription.updated", billing.TransitionUpdate},
		{"subscription.uncanceled", billing.TransitionUpdate},

		{"subscription.canceled", billing.TransitionCancel},
		{"subscription.cancelled", billing.TransitionCancel},
		{"subscription.revoked", billing.TransitionCancel},

		{"benefit_grant.created", billing.TransitionUnknown},
		{"", billing.TransitionUnknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.eventType); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}
