package entitlement

import (
	"strings"
	"time"
)

// Status is the stored lifecycle state of an entitlement.
type Status string

const (
	// StatusActive means the identity holds a paid, current entitlement.
	StatusActive Status = "active"
	// StatusTrialing means the identity is in a provider-managed trial;
	// treated as entitled for access checks.
	StatusTrialing Status = "trialing"
	// StatusCanceled means the subscription was canceled or revoked.
	// The row is kept for audit history; it is never hard-deleted.
	StatusCanceled Status = "canceled"
	// StatusExpired means the validity window elapsed without renewal.
	StatusExpired Status = "expired"
)

// Entitled reports whether the status itself grants access, before the
// validity window is considered.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// NormalizeIdentity canonicalizes an identity (email) for use as a store key.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Entitlement is the record of whether an identity currently has paid access.
// There is at most one row per identity.
type Entitlement struct {
	Identity       string
	Status         Status
	SubscriptionID string
	CustomerID     string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	UpdatedAt      time.Time
}

// ActiveAt reports whether the entitlement grants access at the given time.
// A PeriodEnd in the past wins over the stored status. A zero PeriodEnd
// means the window is unknown, in which case the stored status is trusted:
// failing open on a malformed date beats locking out a paying user.
func (e *Entitlement) ActiveAt(now time.Time) bool {
	if e == nil {
		return false
	}
	if !e.Status.Entitled() {
		return false
	}
	if e.PeriodEnd.IsZero() {
		return true
	}
	return !e.PeriodEnd.Before(now)
}

// Grant is the single input shape for entitlement mutation. Both the webhook
// pipeline and reconciliation build a Grant and hand it to Manager.ApplyGrant
// so there is exactly one code path that writes entitlement state.
type Grant struct {
	Identity       string
	Status         Status
	SubscriptionID string
	CustomerID     string
	PeriodStart    time.Time
	PeriodEnd      time.Time

	// EventTime is when the originating provider event occurred. Grants
	// carrying an EventTime not newer than the stored UpdatedAt are skipped,
	// which makes at-least-once redelivery harmless.
	EventTime time.Time
}

// UsageRecord is one metered call. Records are append-only and aggregated
// on read.
type UsageRecord struct {
	Identity    string
	Timestamp   time.Time
	InputUnits  int64
	OutputUnits int64
	Provider    string
	Operation   string
	Model       string
	CostCents   int64
}

// MonthlyUsage is the aggregate of an identity's usage records within one
// calendar month.
type MonthlyUsage struct {
	Identity         string
	TotalCostCents   int64
	TotalInputUnits  int64
	TotalOutputUnits int64
	Requests         int64
	PeriodStart      time.Time
}

// QuotaPolicy is the per-identity spending ceiling. An empty Identity is the
// default policy applied to identities without one of their own.
type QuotaPolicy struct {
	Identity       string
	CostLimitCents *int64 // nil = unlimited
	Blocked        bool
	BlockedReason  string
	UpdatedAt      time.Time
}

// Access is the answer to "does this identity have access right now".
type Access struct {
	Active      bool
	Entitlement *Entitlement // nil when no row exists
}

// QuotaDecision is the answer to a pre-dispatch quota check.
type QuotaDecision struct {
	Allowed        bool
	Reason         string
	Blocked        bool
	CostUsedCents  int64
	CostLimitCents *int64 // nil = unlimited
}

// Config holds Manager configuration. Components receive explicit immutable
// configuration at construction; there is no ambient global lookup.
type Config struct {
	// DefaultCostLimitCents applies when neither a per-identity policy nor a
	// stored default policy exists. nil means unlimited.
	DefaultCostLimitCents *int64

	// Cache, when set, answers entitlement checks from the last known
	// snapshot if the store is unreachable. With no cached entry the
	// identity is reported unentitled rather than surfacing the error.
	Cache *SessionCache

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking engine operations (default: NoopMetrics).
	Metrics Metrics
}
