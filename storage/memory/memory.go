// Package memory provides an in-memory storage implementation.
// Suitable for single-instance deployments and testing. All state is lost
// on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// Store is an in-memory implementation of entitlement.Store.
type Store struct {
	mu           sync.RWMutex
	entitlements map[string]*entitlement.Entitlement
	usage        map[string][]*entitlement.UsageRecord
	policies     map[string]*entitlement.QuotaPolicy
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		entitlements: make(map[string]*entitlement.Entitlement),
		usage:        make(map[string][]*entitlement.UsageRecord),
		policies:     make(map[string]*entitlement.QuotaPolicy),
	}
}

// UpsertEntitlement creates or overwrites the row for ent.Identity.
func (s *Store) UpsertEntitlement(_ context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *ent
	s.entitlements[ent.Identity] = &stored

	result := stored
	return &result, nil
}

// GetEntitlement retrieves the row for an identity.
func (s *Store) GetEntitlement(_ context.Context, identity string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[identity]
	if !ok {
		return nil, entitlement.ErrEntitlementNotFound
	}

	result := *ent
	return &result, nil
}

// CancelEntitlement flips the row's status to canceled.
func (s *Store) CancelEntitlement(_ context.Context, identity string) (*entitlement.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[identity]
	if !ok {
		return nil, entitlement.ErrEntitlementNotFound
	}

	ent.Status = entitlement.StatusCanceled
	ent.UpdatedAt = time.Now().UTC()

	result := *ent
	return &result, nil
}

// ListEntitlements returns all rows matching the given statuses, or every
// row when none are given.
func (s *Store) ListEntitlements(_ context.Context, statuses ...entitlement.Status) ([]*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[entitlement.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	result := make([]*entitlement.Entitlement, 0, len(s.entitlements))
	for _, ent := range s.entitlements {
		if len(wanted) > 0 && !wanted[ent.Status] {
			continue
		}
		copied := *ent
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Identity < result[j].Identity
	})
	return result, nil
}

// InsertUsage appends a usage record.
func (s *Store) InsertUsage(_ context.Context, rec *entitlement.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rec
	s.usage[rec.Identity] = append(s.usage[rec.Identity], &stored)
	return nil
}

// MonthlyUsage sums usage records at or after monthStart.
func (s *Store) MonthlyUsage(_ context.Context, identity string, monthStart time.Time) (*entitlement.MonthlyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := &entitlement.MonthlyUsage{
		Identity:    identity,
		PeriodStart: monthStart,
	}
	for _, rec := range s.usage[identity] {
		if rec.Timestamp.Before(monthStart) {
			continue
		}
		agg.TotalCostCents += rec.CostCents
		agg.TotalInputUnits += rec.InputUnits
		agg.TotalOutputUnits += rec.OutputUnits
		agg.Requests++
	}
	return agg, nil
}

// UsageHistory returns up to limit records newer than since, newest first.
func (s *Store) UsageHistory(_ context.Context, identity string, since time.Time, limit int) ([]*entitlement.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*entitlement.UsageRecord, 0)
	for _, rec := range s.usage[identity] {
		if rec.Timestamp.Before(since) {
			continue
		}
		copied := *rec
		records = append(records, &copied)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// GetQuotaPolicy retrieves the policy for an identity ("" for the default).
func (s *Store) GetQuotaPolicy(_ context.Context, identity string) (*entitlement.QuotaPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.policies[identity]
	if !ok {
		return nil, nil
	}

	result := *policy
	if policy.CostLimitCents != nil {
		limit := *policy.CostLimitCents
		result.CostLimitCents = &limit
	}
	return &result, nil
}

// SetQuotaPolicy creates or overwrites a policy row.
func (s *Store) SetQuotaPolicy(_ context.Context, policy *entitlement.QuotaPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *policy
	if policy.CostLimitCents != nil {
		limit := *policy.CostLimitCents
		stored.CostLimitCents = &limit
	}
	s.policies[policy.Identity] = &stored
	return nil
}
