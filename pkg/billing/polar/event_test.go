package polar

import (
	"testing"
	"time"
)

func TestParseEvent(t *testing.T) {
	body := []byte(`{
		"type": "subscription.created",
		"timestamp": "2026-03-01T12:00:00Z",
		"data": {
			"id": "sub_1",
			"status": "active",
			"customer_id": "cus_1",
			"customer": {"id": "cus_1", "email": "user@example.com"},
			"current_period_start": "2026-03-01T00:00:00Z",
			"current_period_end": "2026-04-01T00:00:00Z"
		}
	}`)

	event, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if event.Type != "subscription.created" {
		t.Errorf("Unexpected type: %q", event.Type)
	}
	if event.Data.Customer == nil || event.Data.Customer.Email != "user@example.com" {
		t.Errorf("Unexpected customer: %+v", event.Data.Customer)
	}
	wantEnd := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	if !event.Data.CurrentPeriodEnd.Time.Equal(wantEnd) {
		t.Errorf("Unexpected period end: %v", event.Data.CurrentPeriodEnd.Time)
	}
}

func TestFlexTime(t *testing.T) {
	tests := []struct {
		name string
		json string
		want time.Time
	}{
		{
			name: "rfc3339",
			json: `"2026-03-01T12:00:00Z"`,
			want: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "no timezone suffix",
			json: `"2026-03-01T12:00:00"`,
			want: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "unix epoch seconds",
			json: `1772366400`,
			want: time.Unix(1772366400, 0).UTC(),
		},
		{
			name: "null",
			json: `null`,
		},
		{
			name: "empty string",
			json: `""`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ft FlexTime
			if err := ft.UnmarshalJSON([]byte(tt.json)); err != nil {
				t.Fatalf("UnmarshalJSON(%s) failed: %v", tt.json, err)
			}
			if tt.want.IsZero() {
				if !ft.IsZero() {
					t.Errorf("Expected zero time, got %v", ft.Time)
				}
				return
			}
			if !ft.Time.Equal(tt.want) {
				t.Errorf("Got %v, want %v", ft.Time, tt.want)
			}
		})
	}
}

func TestEventTime_FallsBackToNow(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	event := &Event{}
	if got := event.EventTime(now); !got.Equal(now) {
		t.Errorf("Expected fallback to now, got %v", got)
	}

	stamped := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	event.Timestamp = FlexTime{Time: stamped}
	if got := event.EventTime(now); !got.Equal(stamped) {
		t.Errorf("Expected envelope timestamp, got %v", got)
	}
}
