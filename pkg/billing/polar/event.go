package polar

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// FlexTime unmarshals timestamps that arrive either as RFC 3339 strings or
// as unix epoch seconds. Webhook payloads are not consistent about which
// form they use across event types.
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, str)
		if err != nil {
			// Some payloads omit the timezone suffix.
			parsed, err = time.Parse("2006-01-02T15:04:05", str)
			if err != nil {
				return err
			}
		}
		t.Time = parsed
		return nil
	}

	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	t.Time = time.Unix(int64(secs), 0).UTC()
	return nil
}

// Customer is the nested customer object embedded in webhook payloads and
// returned by the customer API.
type Customer struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	EmailAddress string            `json:"email_address"`
	Metadata     map[string]string `json:"metadata"`
}

// Checkout is a checkout session, either embedded in a webhook payload or
// fetched from the checkout API.
type Checkout struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	CustomerID    string            `json:"customer_id"`
	CustomerEmail string            `json:"customer_email"`
	Customer      *Customer         `json:"customer"`
	Metadata      map[string]string `json:"metadata"`
}

// Order is a one-time purchase or subscription invoice order.
type Order struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	CheckoutID    string            `json:"checkout_id"`
	CustomerID    string            `json:"customer_id"`
	CustomerEmail string            `json:"customer_email"`
	Customer      *Customer         `json:"customer"`
	Metadata      map[string]string `json:"metadata"`
}

// Subscription is a recurring subscription record.
type Subscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CustomerID         string            `json:"customer_id"`
	Customer           *Customer         `json:"customer"`
	CurrentPeriodStart FlexTime          `json:"current_period_start"`
	CurrentPeriodEnd   FlexTime          `json:"current_period_end"`
	StartedAt          FlexTime          `json:"started_at"`
	Metadata           map[string]string `json:"metadata"`
}

// EventData is the payload body of a webhook event. Field presence varies
// with the event type, so everything that is not always delivered is either
// optional or a pointer.
type EventData struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	CustomerID    string            `json:"customer_id"`
	CustomerEmail string            `json:"customer_email"`
	Email         string            `json:"email"`
	CheckoutID    string            `json:"checkout_id"`
	Customer      *Customer         `json:"customer"`
	Checkout      *Checkout         `json:"checkout"`
	Subscription  *Subscription     `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`

	CurrentPeriodStart FlexTime `json:"current_period_start"`
	CurrentPeriodEnd   FlexTime `json:"current_period_end"`
	StartedAt          FlexTime `json:"started_at"`
}

// Event is the webhook envelope.
type Event struct {
	Type      string    `json:"type"`
	Timestamp FlexTime  `json:"timestamp"`
	Data      EventData `json:"data"`
}

// ParseEvent decodes a webhook body into an Event.
func ParseEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// EventTime returns the event's timestamp, falling back to now when the
// envelope does not carry one. The returned time drives the idempotency
// comparison against the stored entitlement.
func (e *Event) EventTime(now time.Time) time.Time {
	if !e.Timestamp.IsZero() {
		return e.Timestamp.Time
	}
	return now
}
