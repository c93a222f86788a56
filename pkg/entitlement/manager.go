package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Manager owns every entitlement mutation and every access/quota decision.
// The webhook pipeline and the reconciler both write through ApplyGrant and
// Cancel, so the fast path and the slow path cannot diverge.
type Manager struct {
	store   Store
	config  Config
	logger  Logger
	metrics Metrics
}

// NewManager creates a new Manager backed by the given store.
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &Manager{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// ApplyGrant creates or overwrites the entitlement row for the grant's
// identity. It is the single write path for granting or updating access:
// callers are expected to have completed payment confirmation before
// building a Grant.
//
// Conflict resolution is overwrite (last write wins), with one guard: a
// grant whose EventTime is not newer than the stored UpdatedAt is skipped
// with ErrStaleEvent, so at-least-once redelivery and near-simultaneous
// duplicates collapse to one effective write.
func (m *Manager) ApplyGrant(ctx context.Context, g Grant) (*Entitlement, error) {
	identity := NormalizeIdentity(g.Identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	status := g.Status
	if status == "" {
		status = StatusActive
	}

	eventTime := g.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	existing, err := m.store.GetEntitlement(ctx, identity)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		m.metrics.RecordEntitlementWrite("grant", "error")
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if existing != nil && !eventTime.After(existing.UpdatedAt) {
		m.metrics.RecordEntitlementWrite("grant", "stale")
		return existing, ErrStaleEvent
	}

	periodStart := g.PeriodStart
	periodEnd := g.PeriodEnd
	if existing != nil {
		if periodStart.IsZero() {
			periodStart = existing.PeriodStart
		}
		if periodEnd.IsZero() {
			periodEnd = existing.PeriodEnd
		}
	}

	ent := &Entitlement{
		Identity:       identity,
		Status:         status,
		SubscriptionID: g.SubscriptionID,
		CustomerID:     g.CustomerID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		UpdatedAt:      eventTime,
	}
	if existing != nil {
		if ent.SubscriptionID == "" {
			ent.SubscriptionID = existing.SubscriptionID
		}
		if ent.CustomerID == "" {
			ent.CustomerID = existing.CustomerID
		}
	}

	stored, err := m.store.UpsertEntitlement(ctx, ent)
	if err != nil {
		m.metrics.RecordEntitlementWrite("grant", "error")
		return nil, fmt.Errorf("failed to upsert entitlement: %w", err)
	}

	m.metrics.RecordEntitlementWrite("grant", "success")
	m.logger.Info("entitlement upserted",
		Field{Key: "identity", Value: identity},
		Field{Key: "status", Value: string(stored.Status)},
		Field{Key: "period_end", Value: stored.PeriodEnd},
	)
	return stored, nil
}

// Cancel flips the identity's entitlement to canceled. The row is kept for
// audit history. A missing row yields ErrEntitlementNotFound; callers in the
// webhook path treat that as a logged no-op, not a failure.
func (m *Manager) Cancel(ctx context.Context, identity string) (*Entitlement, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	ent, err := m.store.CancelEntitlement(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrEntitlementNotFound) {
			m.metrics.RecordEntitlementWrite("cancel", "not_found")
			return nil, err
		}
		m.metrics.RecordEntitlementWrite("cancel", "error")
		return nil, fmt.Errorf("failed to cancel entitlement: %w", err)
	}

	m.metrics.RecordEntitlementWrite("cancel", "success")
	m.logger.Info("entitlement canceled", Field{Key: "identity", Value: identity})
	return ent, nil
}

// CheckEntitlement answers whether the identity currently has access.
// A stored PeriodEnd in the past reports not-active regardless of status;
// a zero PeriodEnd trusts the stored status.
func (m *Manager) CheckEntitlement(ctx context.Context, identity string) (*Access, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	ent, err := m.store.GetEntitlement(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrEntitlementNotFound) {
			m.metrics.RecordEntitlementCheck(false, "store")
			return &Access{Active: false}, nil
		}
		if m.config.Cache != nil {
			// An unreachable store falls back to the last known snapshot;
			// with no snapshot the identity is treated as unentitled.
			m.logger.Warn("entitlement check falling back to cache",
				Field{Key: "identity", Value: identity},
				Field{Key: "error", Value: err.Error()},
			)
			if entry, ok := m.config.Cache.Get(identity); ok {
				active := entry.Entitlement.ActiveAt(time.Now().UTC())
				m.metrics.RecordEntitlementCheck(active, "cache")
				return &Access{Active: active, Entitlement: &entry.Entitlement}, nil
			}
			m.metrics.RecordEntitlementCheck(false, "cache")
			return &Access{Active: false}, nil
		}
		return nil, fmt.Errorf("failed to check entitlement: %w", err)
	}

	active := ent.ActiveAt(time.Now().UTC())
	m.metrics.RecordEntitlementCheck(active, "store")
	return &Access{Active: active, Entitlement: ent}, nil
}

// CheckQuota decides whether a metered call may proceed for the identity.
// It must run before the call is dispatched. The check is point-in-time:
// two concurrent calls can both pass a check that would, summed, exceed the
// limit. Serializing every call per identity was rejected as too costly;
// the window is bounded by a single call's cost.
func (m *Manager) CheckQuota(ctx context.Context, identity string) (*QuotaDecision, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	policy, err := m.effectivePolicy(ctx, identity)
	if err != nil {
		return nil, err
	}

	if policy != nil && policy.Blocked {
		reason := policy.BlockedReason
		if reason == "" {
			reason = "account blocked by administrator"
		}
		m.metrics.RecordQuotaCheck("blocked")
		return &QuotaDecision{Allowed: false, Reason: reason, Blocked: true}, nil
	}

	access, err := m.CheckEntitlement(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !access.Active {
		m.metrics.RecordQuotaCheck("inactive")
		return &QuotaDecision{Allowed: false, Reason: "subscription not active"}, nil
	}

	var limit *int64
	if policy != nil && policy.CostLimitCents != nil {
		limit = policy.CostLimitCents
	} else {
		limit = m.config.DefaultCostLimitCents
	}
	if limit == nil {
		m.metrics.RecordQuotaCheck("allowed")
		return &QuotaDecision{Allowed: true, Reason: "unlimited"}, nil
	}

	usage, err := m.store.MonthlyUsage(ctx, identity, MonthStart(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to sum monthly usage: %w", err)
	}

	if usage.TotalCostCents >= *limit {
		m.metrics.RecordQuotaCheck("exceeded")
		return &QuotaDecision{
			Allowed:        false,
			Reason:         fmt.Sprintf("monthly spending limit of $%.2f reached", float64(*limit)/100),
			CostUsedCents:  usage.TotalCostCents,
			CostLimitCents: limit,
		}, nil
	}

	m.metrics.RecordQuotaCheck("allowed")
	return &QuotaDecision{
		Allowed:        true,
		Reason:         "ok",
		CostUsedCents:  usage.TotalCostCents,
		CostLimitCents: limit,
	}, nil
}

// RecordUsage appends one usage record. When the record carries no cost
// figure, one is estimated from the token counts and model. Callers on the
// request path should go through a Recorder instead of calling this
// directly, so a failed write never fails the call that already succeeded.
func (m *Manager) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if rec == nil {
		return ErrInvalidIdentity
	}
	identity := NormalizeIdentity(rec.Identity)
	if identity == "" {
		return ErrInvalidIdentity
	}

	stored := *rec
	stored.Identity = identity
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	if stored.CostCents == 0 {
		stored.CostCents = EstimateCostCents(stored.Model, stored.InputUnits, stored.OutputUnits)
	}

	if err := m.store.InsertUsage(ctx, &stored); err != nil {
		m.metrics.RecordUsageInsert(stored.Provider, stored.Operation, false)
		return fmt.Errorf("failed to record usage: %w", err)
	}

	m.metrics.RecordUsageInsert(stored.Provider, stored.Operation, true)
	return nil
}

// MonthlyUsage returns the identity's aggregate for the current calendar month.
func (m *Manager) MonthlyUsage(ctx context.Context, identity string) (*MonthlyUsage, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	return m.store.MonthlyUsage(ctx, identity, MonthStart(time.Now().UTC()))
}

// UsageHistory returns the identity's records for the trailing window.
func (m *Manager) UsageHistory(ctx context.Context, identity string, days, limit int) ([]*UsageRecord, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	if days <= 0 {
		days = 30
	}
	if limit <= 0 {
		limit = 1000
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	return m.store.UsageHistory(ctx, identity, since, limit)
}

// SetCostLimit sets the identity's monthly cost ceiling in cents.
// nil means unlimited. Pass "" to set the default policy.
func (m *Manager) SetCostLimit(ctx context.Context, identity string, limitCents *int64) error {
	identity = NormalizeIdentity(identity)
	policy, err := m.store.GetQuotaPolicy(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to load quota policy: %w", err)
	}
	if policy == nil {
		policy = &QuotaPolicy{Identity: identity}
	}
	policy.CostLimitCents = limitCents
	policy.UpdatedAt = time.Now().UTC()
	return m.store.SetQuotaPolicy(ctx, policy)
}

// SetBlocked sets or clears the identity's admin block flag.
func (m *Manager) SetBlocked(ctx context.Context, identity string, blocked bool, reason string) error {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return ErrInvalidIdentity
	}
	policy, err := m.store.GetQuotaPolicy(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to load quota policy: %w", err)
	}
	if policy == nil {
		policy = &QuotaPolicy{Identity: identity}
	}
	policy.Blocked = blocked
	if blocked {
		policy.BlockedReason = reason
	} else {
		policy.BlockedReason = ""
	}
	policy.UpdatedAt = time.Now().UTC()
	return m.store.SetQuotaPolicy(ctx, policy)
}

// ListEntitlements exposes the store listing for reconciliation sweeps and
// admin reporting.
func (m *Manager) ListEntitlements(ctx context.Context, statuses ...Status) ([]*Entitlement, error) {
	return m.store.ListEntitlements(ctx, statuses...)
}

// UsageOverview returns the current calendar month's aggregate for every
// identity with an entitlement, in identity order. Identities with no usage
// this month appear with zero totals.
func (m *Manager) UsageOverview(ctx context.Context) ([]*MonthlyUsage, error) {
	ents, err := m.store.ListEntitlements(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	monthStart := MonthStart(time.Now().UTC())
	overview := make([]*MonthlyUsage, 0, len(ents))
	for _, ent := range ents {
		usage, err := m.store.MonthlyUsage(ctx, ent.Identity, monthStart)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate usage for %s: %w", ent.Identity, err)
		}
		overview = append(overview, usage)
	}
	return overview, nil
}

// effectivePolicy returns the identity's policy, falling back to the stored
// default policy when the identity has none.
func (m *Manager) effectivePolicy(ctx context.Context, identity string) (*QuotaPolicy, error) {
	policy, err := m.store.GetQuotaPolicy(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota policy: %w", err)
	}
	if policy != nil {
		return policy, nil
	}
	policy, err = m.store.GetQuotaPolicy(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load default quota policy: %w", err)
	}
	return policy, nil
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), 1, 0, 0, 0, 0, time.UTC)
}
