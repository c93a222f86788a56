package entitlement

import (
	"context"
	"time"
)

// Store defines the persistence interface for entitlements, usage records and
// quota policies. All methods use concrete types from this package.
type Store interface {
	// UpsertEntitlement atomically creates or overwrites the row for
	// ent.Identity in a single conflict-resolving write. It must never
	// produce a second row for the same identity, and must not be
	// implemented as a read-then-write pair.
	UpsertEntitlement(ctx context.Context, ent *Entitlement) (*Entitlement, error)

	// GetEntitlement retrieves the row for an identity.
	// Returns ErrEntitlementNotFound when no row exists.
	GetEntitlement(ctx context.Context, identity string) (*Entitlement, error)

	// CancelEntitlement flips the row's status to canceled, preserving the
	// period bounds for audit history. Returns ErrEntitlementNotFound when
	// no row exists; it must not create one.
	CancelEntitlement(ctx context.Context, identity string) (*Entitlement, error)

	// ListEntitlements returns all rows with one of the given statuses,
	// or every row when no statuses are given. Used by the reconciliation
	// sweep and admin reporting.
	ListEntitlements(ctx context.Context, statuses ...Status) ([]*Entitlement, error)

	// InsertUsage appends a usage record. Records are never mutated.
	InsertUsage(ctx context.Context, rec *UsageRecord) error

	// MonthlyUsage sums usage records with Timestamp >= monthStart for the
	// identity. A missing identity yields a zero aggregate, not an error.
	MonthlyUsage(ctx context.Context, identity string, monthStart time.Time) (*MonthlyUsage, error)

	// UsageHistory returns up to limit records for the identity newer than
	// since, newest first.
	UsageHistory(ctx context.Context, identity string, since time.Time, limit int) ([]*UsageRecord, error)

	// GetQuotaPolicy retrieves the policy for an identity. Pass "" for the
	// default policy. Returns (nil, nil) when no policy is set.
	GetQuotaPolicy(ctx context.Context, identity string) (*QuotaPolicy, error)

	// SetQuotaPolicy creates or overwrites a policy row.
	SetQuotaPolicy(ctx context.Context, policy *QuotaPolicy) error
}
