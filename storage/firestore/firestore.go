// Package firestore provides a Firestore implementation of the
// entitlement.Store interface. One document per identity for entitlements
// and policies; usage records are append-only documents aggregated on read.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// Store implements entitlement.Store using Google Cloud Firestore.
type Store struct {
	client                 *firestore.Client
	entitlementsCollection string
	usageCollection        string
	policiesCollection     string
}

// Config holds Firestore storage configuration.
type Config struct {
	// EntitlementsCollection holds one document per identity.
	// Default: "entitlements"
	EntitlementsCollection string

	// UsageCollection holds append-only usage records.
	// Default: "usage_records"
	UsageCollection string

	// PoliciesCollection holds quota policies; the default policy lives in
	// the document "__default__". Default: "quota_policies"
	PoliciesCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "usage_records"
	}
	if config.PoliciesCollection == "" {
		config.PoliciesCollection = "quota_policies"
	}

	return &Store{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		usageCollection:        config.UsageCollection,
		policiesCollection:     config.PoliciesCollection,
	}, nil
}

// entitlementDoc is the Firestore document shape for an entitlement.
type entitlementDoc struct {
	Identity       string    `firestore:"identity"`
	Status         string    `firestore:"status"`
	SubscriptionID string    `firestore:"subscription_id"`
	CustomerID     string    `firestore:"customer_id"`
	PeriodStart    time.Time `firestore:"period_start"`
	PeriodEnd      time.Time `firestore:"period_end"`
	UpdatedAt      time.Time `firestore:"updated_at"`
}

func (d *entitlementDoc) toEntitlement() *entitlement.Entitlement {
	return &entitlement.Entitlement{
		Identity:       d.Identity,
		Status:         entitlement.Status(d.Status),
		SubscriptionID: d.SubscriptionID,
		CustomerID:     d.CustomerID,
		PeriodStart:    d.PeriodStart,
		PeriodEnd:      d.PeriodEnd,
		UpdatedAt:      d.UpdatedAt,
	}
}

func toDoc(ent *entitlement.Entitlement) *entitlementDoc {
	return &entitlementDoc{
		Identity:       ent.Identity,
		Status:         string(ent.Status),
		SubscriptionID: ent.SubscriptionID,
		CustomerID:     ent.CustomerID,
		PeriodStart:    ent.PeriodStart,
		PeriodEnd:      ent.PeriodEnd,
		UpdatedAt:      ent.UpdatedAt,
	}
}

// UpsertEntitlement implements entitlement.Store. Doc-per-identity with a
// full Set makes the write a single conflict-resolving operation.
func (s *Store) UpsertEntitlement(ctx context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if ent == nil || ent.Identity == "" {
		return nil, fmt.Errorf("invalid entitlement")
	}

	doc := s.client.Collection(s.entitlementsCollection).Doc(ent.Identity)
	if _, err := doc.Set(ctx, toDoc(ent)); err != nil {
		return nil, fmt.Errorf("failed to upsert entitlement: %w", err)
	}

	result := *ent
	return &result, nil
}

// GetEntitlement implements entitlement.Store.
func (s *Store) GetEntitlement(ctx context.Context, identity string) (*entitlement.Entitlement, error) {
	snap, err := s.client.Collection(s.entitlementsCollection).Doc(identity).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var doc entitlementDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement: %w", err)
	}
	return doc.toEntitlement(), nil
}

// CancelEntitlement implements entitlement.Store, flipping the status in a
// transaction so a concurrent upsert cannot be half-overwritten.
func (s *Store) CancelEntitlement(ctx context.Context, identity string) (*entitlement.Entitlement, error) {
	ref := s.client.Collection(s.entitlementsCollection).Doc(identity)

	var result *entitlement.Entitlement
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrEntitlementNotFound
			}
			return err
		}

		var doc entitlementDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		doc.Status = string(entitlement.StatusCanceled)
		doc.UpdatedAt = time.Now().UTC()

		if err := tx.Set(ref, &doc); err != nil {
			return err
		}
		result = doc.toEntitlement()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListEntitlements implements entitlement.Store.
func (s *Store) ListEntitlements(ctx context.Context, statuses ...entitlement.Status) ([]*entitlement.Entitlement, error) {
	query := s.client.Collection(s.entitlementsCollection).Query
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		query = query.Where("status", "in", strs)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var result []*entitlement.Entitlement
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list entitlements: %w", err)
		}
		var doc entitlementDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode entitlement: %w", err)
		}
		result = append(result, doc.toEntitlement())
	}
	return result, nil
}

// usageDoc is the Firestore document shape for a usage record.
type usageDoc struct {
	Identity    string    `firestore:"identity"`
	Timestamp   time.Time `firestore:"timestamp"`
	InputUnits  int64     `firestore:"input_units"`
	OutputUnits int64     `firestore:"output_units"`
	Provider    string    `firestore:"provider"`
	Operation   string    `firestore:"operation"`
	Model       string    `firestore:"model"`
	CostCents   int64     `firestore:"cost_cents"`
}

// InsertUsage implements entitlement.Store.
func (s *Store) InsertUsage(ctx context.Context, rec *entitlement.UsageRecord) error {
	if rec == nil || rec.Identity == "" {
		return fmt.Errorf("invalid usage record")
	}

	_, _, err := s.client.Collection(s.usageCollection).Add(ctx, &usageDoc{
		Identity:    rec.Identity,
		Timestamp:   rec.Timestamp,
		InputUnits:  rec.InputUnits,
		OutputUnits: rec.OutputUnits,
		Provider:    rec.Provider,
		Operation:   rec.Operation,
		Model:       rec.Model,
		CostCents:   rec.CostCents,
	})
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// MonthlyUsage implements entitlement.Store.
func (s *Store) MonthlyUsage(ctx context.Context, identity string, monthStart time.Time) (*entitlement.MonthlyUsage, error) {
	iter := s.client.Collection(s.usageCollection).
		Where("identity", "==", identity).
		Where("timestamp", ">=", monthStart).
		Documents(ctx)
	defer iter.Stop()

	agg := &entitlement.MonthlyUsage{
		Identity:    identity,
		PeriodStart: monthStart,
	}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate usage: %w", err)
		}
		var doc usageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		agg.TotalCostCents += doc.CostCents
		agg.TotalInputUnits += doc.InputUnits
		agg.TotalOutputUnits += doc.OutputUnits
		agg.Requests++
	}
	return agg, nil
}

// UsageHistory implements entitlement.Store.
func (s *Store) UsageHistory(ctx context.Context, identity string, since time.Time, limit int) ([]*entitlement.UsageRecord, error) {
	query := s.client.Collection(s.usageCollection).
		Where("identity", "==", identity).
		Where("timestamp", ">=", since).
		OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var result []*entitlement.UsageRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query usage history: %w", err)
		}
		var doc usageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		result = append(result, &entitlement.UsageRecord{
			Identity:    doc.Identity,
			Timestamp:   doc.Timestamp,
			InputUnits:  doc.InputUnits,
			OutputUnits: doc.OutputUnits,
			Provider:    doc.Provider,
			Operation:   doc.Operation,
			Model:       doc.Model,
			CostCents:   doc.CostCents,
		})
	}
	return result, nil
}

// policyDoc is the Firestore document shape for a quota policy.
type policyDoc struct {
	Identity       string    `firestore:"identity"`
	CostLimitCents *int64    `firestore:"cost_limit_cents"`
	Blocked        bool      `firestore:"blocked"`
	BlockedReason  string    `firestore:"blocked_reason"`
	UpdatedAt      time.Time `firestore:"updated_at"`
}

func (s *Store) policyDocID(identity string) string {
	if identity == "" {
		return "__default__"
	}
	return identity
}

// GetQuotaPolicy implements entitlement.Store.
func (s *Store) GetQuotaPolicy(ctx context.Context, identity string) (*entitlement.QuotaPolicy, error) {
	snap, err := s.client.Collection(s.policiesCollection).Doc(s.policyDocID(identity)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get quota policy: %w", err)
	}

	var doc policyDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode quota policy: %w", err)
	}
	return &entitlement.QuotaPolicy{
		Identity:       doc.Identity,
		CostLimitCents: doc.CostLimitCents,
		Blocked:        doc.Blocked,
		BlockedReason:  doc.BlockedReason,
		UpdatedAt:      doc.UpdatedAt,
	}, nil
}

// SetQuotaPolicy implements entitlement.Store.
func (s *Store) SetQuotaPolicy(ctx context.Context, policy *entitlement.QuotaPolicy) error {
	if policy == nil {
		return fmt.Errorf("invalid quota policy")
	}

	_, err := s.client.Collection(s.policiesCollection).Doc(s.policyDocID(policy.Identity)).Set(ctx, &policyDoc{
		Identity:       policy.Identity,
		CostLimitCents: policy.CostLimitCents,
		Blocked:        policy.Blocked,
		BlockedReason:  policy.BlockedReason,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to set quota policy: %w", err)
	}
	return nil
}
