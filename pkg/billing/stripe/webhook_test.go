package stripe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

func TestSubscriptionPeriod(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	sub := &stripe.Subscription{
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{CurrentPeriodStart: start.Unix(), CurrentPeriodEnd: end.Unix()},
				// A second item with a narrower window must not shrink
				// the result.
				{CurrentPeriodStart: start.AddDate(0, 0, 5).Unix(), CurrentPeriodEnd: end.AddDate(0, 0, -5).Unix()},
			},
		},
	}

	gotStart, gotEnd := subscriptionPeriod(sub)
	if !gotStart.Equal(start) {
		t.Errorf("Expected start %v, got %v", start, gotStart)
	}
	if !gotEnd.Equal(end) {
		t.Errorf("Expected end %v, got %v", end, gotEnd)
	}
}

func TestSubscriptionPeriod_NoItems(t *testing.T) {
	start, end := subscriptionPeriod(&stripe.Subscription{})
	if !start.IsZero() || !end.IsZero() {
		t.Errorf("Expected zero period without items, got %v/%v", start, end)
	}
}

func TestSubscriptionGrant(t *testing.T) {
	eventTime := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	periodEnd := eventTime.AddDate(0, 1, 0)

	sub := &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusTrialing,
		Customer: &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{CurrentPeriodStart: eventTime.Unix(), CurrentPeriodEnd: periodEnd.Unix()},
			},
		},
	}

	grant := subscriptionGrant("user@example.com", sub, eventTime)
	if grant.Identity != "user@example.com" {
		t.Errorf("Unexpected identity: %q", grant.Identity)
	}
	if grant.Status != entitlement.StatusTrialing {
		t.Errorf("Expected trialing status, got %q", grant.Status)
	}
	if grant.SubscriptionID != "sub_1" || grant.CustomerID != "cus_1" {
		t.Errorf("Unexpected identifiers: %+v", grant)
	}
	if !grant.PeriodEnd.Equal(periodEnd) {
		t.Errorf("Expected period end %v, got %v", periodEnd, grant.PeriodEnd)
	}
	if !grant.EventTime.Equal(eventTime) {
		t.Errorf("Expected event time %v, got %v", eventTime, grant.EventTime)
	}
}

func TestSubscriptionIDFromEvent(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		raw       string
		want      string
	}{
		{
			name:      "subscription object payload",
			eventType: "customer.subscription.created",
			raw:       `{"id":"sub_1","status":"active"}`,
			want:      "sub_1",
		},
		{
			name:      "invoice with subscription id string",
			eventType: "invoice.payment_succeeded",
			raw:       `{"id":"in_1","subscription":"sub_2"}`,
			want:      "sub_2",
		},
		{
			name:      "invoice with expanded subscription object",
			eventType: "invoice.payment_succeeded",
			raw:       `{"id":"in_1","subscription":{"id":"sub_3"}}`,
			want:      "sub_3",
		},
		{
			name:      "invoice without a subscription",
			eventType: "invoice.payment_succeeded",
			raw:       `{"id":"in_1"}`,
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &stripe.Event{
				Type: stripe.EventType(tt.eventType),
				Data: &stripe.EventData{Raw: json.RawMessage(tt.raw)},
			}
			got, err := subscriptionIDFromEvent(event)
			if err != nil {
				t.Fatalf("subscriptionIDFromEvent failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubscriptionIDFromEvent_MalformedPayload(t *testing.T) {
	event := &stripe.Event{
		Type: "customer.subscription.created",
		Data: &stripe.EventData{Raw: json.RawMessage(`{not json`)},
	}
	if _, err := subscriptionIDFromEvent(event); err == nil {
		t.Error("Expected error for a malformed payload")
	}
}
