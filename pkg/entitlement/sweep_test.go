package entitlement_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/entsync/pkg/entitlement"
	"github.com/mihaimyh/entsync/storage/memory"
)

// stubVerifier answers per-identity with a fixed entitlement or error.
type stubVerifier struct {
	mu      sync.Mutex
	results map[string]*entitlement.Entitlement
	errs    map[string]error
	calls   []string
}

func (v *stubVerifier) SyncIdentity(_ context.Context, identity string) (*entitlement.Entitlement, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, identity)
	if err, ok := v.errs[identity]; ok {
		return nil, err
	}
	return v.results[identity], nil
}

func (v *stubVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

func newSweepFixture(t *testing.T) (*entitlement.Manager, *entitlement.SessionCache) {
	t.Helper()
	manager, err := entitlement.NewManager(memory.NewStore(), entitlement.Config{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cache := entitlement.NewSessionCache(filepath.Join(t.TempDir(), "snapshot.json"), nil)
	return manager, cache
}

func TestReconciler_SweepCancelsDeadEntitlements(t *testing.T) {
	manager, cache := newSweepFixture(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	for _, identity := range []string{"dead@example.com", "alive@example.com"} {
		_, err := manager.ApplyGrant(ctx, entitlement.Grant{
			Identity:  identity,
			PeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour),
			EventTime: old,
		})
		if err != nil {
			t.Fatalf("ApplyGrant failed: %v", err)
		}
	}

	verifier := &stubVerifier{
		results: map[string]*entitlement.Entitlement{
			"alive@example.com": {
				Identity:  "alive@example.com",
				Status:    entitlement.StatusActive,
				PeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour),
			},
			// dead@example.com resolves to nil: provider has no record.
		},
	}

	var revokedMu sync.Mutex
	revoked := make(map[string]string)
	reconciler, err := entitlement.NewReconciler(entitlement.ReconcilerConfig{
		Cache:    cache,
		Verifier: verifier,
		Manager:  manager,
		MinAge:   time.Hour,
		OnRevoked: func(identity, reason string) {
			revokedMu.Lock()
			revoked[identity] = reason
			revokedMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	if err := reconciler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if verifier.callCount() != 2 {
		t.Errorf("Expected 2 provider calls, got %d", verifier.callCount())
	}

	dead, err := manager.CheckEntitlement(ctx, "dead@example.com")
	if err != nil {
		t.Fatalf("CheckEntitlement failed: %v", err)
	}
	if dead.Entitlement == nil || dead.Entitlement.Status != entitlement.StatusCanceled {
		t.Errorf("Expected dead identity canceled, got %+v", dead.Entitlement)
	}
	alive, err := manager.CheckEntitlement(ctx, "alive@example.com")
	if err != nil {
		t.Fatalf("CheckEntitlement failed: %v", err)
	}
	if alive.Entitlement == nil || alive.Entitlement.Status != entitlement.StatusActive {
		t.Errorf("Expected alive identity untouched, got %+v", alive.Entitlement)
	}

	revokedMu.Lock()
	defer revokedMu.Unlock()
	if reason := revoked["dead@example.com"]; reason != "entitlement no longer exists" {
		t.Errorf("Unexpected revocation reason %q", reason)
	}
	if _, ok := revoked["alive@example.com"]; ok {
		t.Error("Alive identity should not be revoked")
	}
}

func TestReconciler_SweepFailsOpenOnProviderError(t *testing.T) {
	manager, cache := newSweepFixture(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := manager.ApplyGrant(ctx, entitlement.Grant{
		Identity:  "user@example.com",
		PeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour),
		EventTime: old,
	}); err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}

	verifier := &stubVerifier{
		errs: map[string]error{"user@example.com": context.DeadlineExceeded},
	}
	reconciler, err := entitlement.NewReconciler(entitlement.ReconcilerConfig{
		Cache:    cache,
		Verifier: verifier,
		Manager:  manager,
		MinAge:   time.Hour,
	})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	if err := reconciler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	access, err := manager.CheckEntitlement(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("CheckEntitlement failed: %v", err)
	}
	if access.Entitlement == nil || access.Entitlement.Status != entitlement.StatusActive {
		t.Errorf("Expected entitlement untouched on provider error, got %+v", access.Entitlement)
	}
}

func TestReconciler_SweepSkipsRecentlyUpdated(t *testing.T) {
	manager, cache := newSweepFixture(t)
	ctx := context.Background()

	if _, err := manager.ApplyGrant(ctx, entitlement.Grant{
		Identity:  "fresh@example.com",
		PeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}

	verifier := &stubVerifier{}
	reconciler, err := entitlement.NewReconciler(entitlement.ReconcilerConfig{
		Cache:    cache,
		Verifier: verifier,
		Manager:  manager,
		MinAge:   time.Hour,
	})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	if err := reconciler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if verifier.callCount() != 0 {
		t.Errorf("Expected no provider calls for a fresh entitlement, got %d", verifier.callCount())
	}
}
