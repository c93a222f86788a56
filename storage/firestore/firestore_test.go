package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

const testProjectID = "test-project"

// setupTestStore connects to the Firestore emulator with per-test
// collections. Skips when FIRESTORE_EMULATOR_HOST is not set.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	suffix := time.Now().UnixNano()
	store, err := New(client, Config{
		EntitlementsCollection: fmt.Sprintf("test_ents_%d", suffix),
		UsageCollection:        fmt.Sprintf("test_usage_%d", suffix),
		PoliciesCollection:     fmt.Sprintf("test_policies_%d", suffix),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return store
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error with a nil client")
	}
}

func TestStore_EntitlementRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	ent := &entitlement.Entitlement{
		Identity:       "user@example.com",
		Status:         entitlement.StatusActive,
		SubscriptionID: "sub_1",
		PeriodEnd:      now.AddDate(0, 1, 0),
		UpdatedAt:      now,
	}
	if _, err := store.UpsertEntitlement(ctx, ent); err != nil {
		t.Fatalf("UpsertEntitlement failed: %v", err)
	}

	got, err := store.GetEntitlement(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if got.Status != entitlement.StatusActive || got.SubscriptionID != "sub_1" {
		t.Errorf("Unexpected entitlement: %+v", got)
	}

	_, err = store.GetEntitlement(ctx, "nobody@example.com")
	if !errors.Is(err, entitlement.ErrEntitlementNotFound) {
		t.Errorf("Expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestStore_CancelEntitlement(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertEntitlement(ctx, &entitlement.Entitlement{
		Identity:  "user@example.com",
		Status:    entitlement.StatusActive,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertEntitlement failed: %v", err)
	}

	canceled, err := store.CancelEntitlement(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("CancelEntitlement failed: %v", err)
	}
	if canceled.Status != entitlement.StatusCanceled {
		t.Errorf("Expected canceled, got %q", canceled.Status)
	}

	_, err = store.CancelEntitlement(ctx, "nobody@example.com")
	if !errors.Is(err, entitlement.ErrEntitlementNotFound) {
		t.Errorf("Expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestStore_UsageAggregation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	monthStart := entitlement.MonthStart(now)

	records := []*entitlement.UsageRecord{
		{Identity: "user@example.com", Timestamp: now, CostCents: 100, InputUnits: 1000},
		{Identity: "user@example.com", Timestamp: now.Add(-time.Minute), CostCents: 50},
		{Identity: "other@example.com", Timestamp: now, CostCents: 999},
	}
	for _, rec := range records {
		if err := store.InsertUsage(ctx, rec); err != nil {
			t.Fatalf("InsertUsage failed: %v", err)
		}
	}

	usage, err := store.MonthlyUsage(ctx, "user@example.com", monthStart)
	if err != nil {
		t.Fatalf("MonthlyUsage failed: %v", err)
	}
	if usage.TotalCostCents != 150 || usage.Requests != 2 {
		t.Errorf("Unexpected aggregate: %+v", usage)
	}

	history, err := store.UsageHistory(ctx, "user@example.com", now.Add(-time.Hour), 1)
	if err != nil {
		t.Fatalf("UsageHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 record with limit 1, got %d", len(history))
	}
	if history[0].CostCents != 100 {
		t.Errorf("Expected the newest record first, got %+v", history[0])
	}
}

func TestStore_QuotaPolicies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	policy, err := store.GetQuotaPolicy(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetQuotaPolicy failed: %v", err)
	}
	if policy != nil {
		t.Errorf("Expected nil for an unset policy, got %+v", policy)
	}

	limit := int64(2000)
	err = store.SetQuotaPolicy(ctx, &entitlement.QuotaPolicy{
		Identity:       "user@example.com",
		CostLimitCents: &limit,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SetQuotaPolicy failed: %v", err)
	}

	policy, err = store.GetQuotaPolicy(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("GetQuotaPolicy failed: %v", err)
	}
	if policy == nil || policy.CostLimitCents == nil || *policy.CostLimitCents != 2000 {
		t.Fatalf("Unexpected policy: %+v", policy)
	}

	// The default policy lives under its own document id.
	err = store.SetQuotaPolicy(ctx, &entitlement.QuotaPolicy{CostLimitCents: &limit, UpdatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("SetQuotaPolicy failed: %v", err)
	}
	def, err := store.GetQuotaPolicy(ctx, "")
	if err != nil {
		t.Fatalf("GetQuotaPolicy failed: %v", err)
	}
	if def == nil {
		t.Fatal("Expected the default policy document")
	}
}
