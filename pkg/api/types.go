package api

import "time"

// EntitlementResponse is the JSON shape for GET /v1/entitlement.
type EntitlementResponse struct {
	Identity       string     `json:"identity"`
	Active         bool       `json:"active"`
	Status         string     `json:"status,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	PeriodStart    *time.Time `json:"period_start,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// QuotaResponse is the JSON shape for GET /v1/quota.
type QuotaResponse struct {
	Identity       string  `json:"identity"`
	Allowed        bool    `json:"allowed"`
	Reason         string  `json:"reason"`
	Blocked        bool    `json:"blocked"`
	CostUsedCents  int64   `json:"cost_used_cents"`
	CostLimitCents *int64  `json:"cost_limit_cents"` // null = unlimited
	CostUsedUSD    float64 `json:"cost_used_usd"`
}

// UsageResponse is the JSON shape for GET /v1/usage.
type UsageResponse struct {
	Identity         string        `json:"identity"`
	MonthStart       time.Time     `json:"month_start"`
	TotalCostCents   int64         `json:"total_cost_cents"`
	TotalInputUnits  int64         `json:"total_input_units"`
	TotalOutputUnits int64         `json:"total_output_units"`
	Requests         int64         `json:"requests"`
	History          []UsageRecord `json:"history,omitempty"`
}

// UsageRecord is one metered call in a usage history response.
type UsageRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	Provider    string    `json:"provider,omitempty"`
	Operation   string    `json:"operation,omitempty"`
	Model       string    `json:"model,omitempty"`
	CostCents   int64     `json:"cost_cents"`
}

// OverviewResponse is the JSON shape for GET /v1/admin/usage.
type OverviewResponse struct {
	MonthStart time.Time       `json:"month_start"`
	Identities []IdentityUsage `json:"identities"`
}

// IdentityUsage is one identity's monthly totals in the admin overview.
type IdentityUsage struct {
	Identity         string `json:"identity"`
	TotalCostCents   int64  `json:"total_cost_cents"`
	TotalInputUnits  int64  `json:"total_input_units"`
	TotalOutputUnits int64  `json:"total_output_units"`
	Requests         int64  `json:"requests"`
}

// SetLimitRequest is the JSON body for PUT /v1/admin/limit.
type SetLimitRequest struct {
	Identity       string `json:"identity"` // "" sets the default policy
	CostLimitCents *int64 `json:"cost_limit_cents"`
	Unlimited      bool   `json:"unlimited"`
}

// SetBlockedRequest is the JSON body for PUT /v1/admin/blocked.
type SetBlockedRequest struct {
	Identity string `json:"identity"`
	Blocked  bool   `json:"blocked"`
	Reason   string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	OK bool `json:"ok"`
}
