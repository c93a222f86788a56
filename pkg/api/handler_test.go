package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/entsync/pkg/api"
	"github.com/mihaimyh/entsync/pkg/entitlement"
	"github.com/mihaimyh/entsync/storage/memory"
)

const adminToken = "test-admin-token"

func newTestHandler(t *testing.T) (*api.Handler, *entitlement.Manager) {
	t.Helper()
	manager, err := entitlement.NewManager(memory.NewStore(), entitlement.Config{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	handler, err := api.NewHandler(api.Config{
		Manager:     manager,
		GetIdentity: api.FromHeader("X-User-Email"),
		AdminToken:  adminToken,
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, manager
}

func doRequest(handler http.HandlerFunc, method, target, identity, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if identity != "" {
		req.Header.Set("X-User-Email", identity)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestNewHandler_Validation(t *testing.T) {
	manager, _ := entitlement.NewManager(memory.NewStore(), entitlement.Config{})

	if _, err := api.NewHandler(api.Config{GetIdentity: api.FromHeader("X-User-Email")}); err == nil {
		t.Error("Expected error without a manager")
	}
	if _, err := api.NewHandler(api.Config{Manager: manager}); err == nil {
		t.Error("Expected error without an identity extractor")
	}
}

func TestGetEntitlement(t *testing.T) {
	handler, manager := newTestHandler(t)

	periodEnd := time.Now().UTC().Add(24 * time.Hour)
	_, err := manager.ApplyGrant(context.Background(), entitlement.Grant{
		Identity:       "user@example.com",
		SubscriptionID: "sub_1",
		PeriodEnd:      periodEnd,
	})
	if err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}

	rec := doRequest(handler.GetEntitlement, http.MethodGet, "/v1/entitlement", "User@Example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp api.EntitlementResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !resp.Active {
		t.Error("Expected active entitlement")
	}
	if resp.Identity != "user@example.com" {
		t.Errorf("Expected normalized identity, got %q", resp.Identity)
	}
	if resp.SubscriptionID != "sub_1" {
		t.Errorf("Unexpected subscription id: %q", resp.SubscriptionID)
	}
}

func TestGetEntitlement_Unauthorized(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler.GetEntitlement, http.MethodGet, "/v1/entitlement", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without an identity, got %d", rec.Code)
	}
}

func TestGetEntitlement_IdentityTooLong(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler.GetEntitlement, http.MethodGet, "/v1/entitlement",
		strings.Repeat("a", 300)+"@example.com", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an oversized identity, got %d", rec.Code)
	}
}

func TestGetQuota(t *testing.T) {
	handler, manager := newTestHandler(t)
	ctx := context.Background()

	_, err := manager.ApplyGrant(ctx, entitlement.Grant{Identity: "user@example.com"})
	if err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}
	limit := int64(1000)
	if err := manager.SetCostLimit(ctx, "user@example.com", &limit); err != nil {
		t.Fatalf("SetCostLimit failed: %v", err)
	}
	if err := manager.RecordUsage(ctx, &entitlement.UsageRecord{
		Identity:  "user@example.com",
		CostCents: 250,
	}); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	rec := doRequest(handler.GetQuota, http.MethodGet, "/v1/quota", "user@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp api.QuotaResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !resp.Allowed {
		t.Errorf("Expected allowed, got %+v", resp)
	}
	if resp.CostUsedCents != 250 {
		t.Errorf("Expected 250 cents used, got %d", resp.CostUsedCents)
	}
	if resp.CostUsedUSD != 2.5 {
		t.Errorf("Expected $2.50, got %v", resp.CostUsedUSD)
	}
	if resp.CostLimitCents == nil || *resp.CostLimitCents != 1000 {
		t.Errorf("Unexpected limit: %v", resp.CostLimitCents)
	}
}

func TestGetUsage(t *testing.T) {
	handler, manager := newTestHandler(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := manager.RecordUsage(ctx, &entitlement.UsageRecord{
			Identity:  "user@example.com",
			CostCents: 100,
			Model:     "claude-3-5-sonnet",
			Operation: "chat",
		})
		if err != nil {
			t.Fatalf("RecordUsage failed: %v", err)
		}
	}

	rec := doRequest(handler.GetUsage, http.MethodGet, "/v1/usage?limit=2", "user@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp api.UsageResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if resp.TotalCostCents != 300 {
		t.Errorf("Expected 300 cents total, got %d", resp.TotalCostCents)
	}
	if resp.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", resp.Requests)
	}
	if len(resp.History) != 2 {
		t.Errorf("Expected history limited to 2, got %d", len(resp.History))
	}
}

func TestSetLimit_RequiresAdminToken(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := `{"identity":"user@example.com","cost_limit_cents":1000}`

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/limit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.SetLimit(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without a token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/v1/admin/limit", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	handler.SetLimit(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with a wrong token, got %d", rec.Code)
	}
}

func TestSetLimit_EmptyAdminTokenRefusesAll(t *testing.T) {
	manager, _ := entitlement.NewManager(memory.NewStore(), entitlement.Config{})
	handler, err := api.NewHandler(api.Config{
		Manager:     manager,
		GetIdentity: api.FromHeader("X-User-Email"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	// No admin token configured: the endpoint refuses everything instead
	// of falling open, even an empty bearer token.
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/limit",
		strings.NewReader(`{"identity":"user@example.com","cost_limit_cents":1}`))
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	handler.SetLimit(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with no token configured, got %d", rec.Code)
	}
}

func TestSetLimit(t *testing.T) {
	handler, manager := newTestHandler(t)
	ctx := context.Background()

	_, err := manager.ApplyGrant(ctx, entitlement.Grant{Identity: "user@example.com"})
	if err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}
	if err := manager.RecordUsage(ctx, &entitlement.UsageRecord{
		Identity:  "user@example.com",
		CostCents: 600,
	}); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/limit",
		strings.NewReader(`{"identity":"user@example.com","cost_limit_cents":500}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.SetLimit(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	decision, err := manager.CheckQuota(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("CheckQuota failed: %v", err)
	}
	if decision.Allowed {
		t.Errorf("Expected new limit to deny, got %+v", decision)
	}
}

func TestSetLimit_Unlimited(t *testing.T) {
	handler, manager := newTestHandler(t)
	ctx := context.Background()

	_, err := manager.ApplyGrant(ctx, entitlement.Grant{Identity: "user@example.com"})
	if err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/limit",
		strings.NewReader(`{"identity":"user@example.com","unlimited":true}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.SetLimit(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	decision, err := manager.CheckQuota(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("CheckQuota failed: %v", err)
	}
	if !decision.Allowed || decision.Reason != "unlimited" {
		t.Errorf("Expected unlimited, got %+v", decision)
	}
}

func TestSetLimit_RequiresLimitOrUnlimited(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/limit",
		strings.NewReader(`{"identity":"user@example.com"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.SetLimit(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a limit, got %d", rec.Code)
	}
}

func TestSetBlocked(t *testing.T) {
	handler, manager := newTestHandler(t)
	ctx := context.Background()

	_, err := manager.ApplyGrant(ctx, entitlement.Grant{Identity: "user@example.com"})
	if err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/blocked",
		strings.NewReader(`{"identity":"user@example.com","blocked":true,"reason":"payment dispute"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.SetBlocked(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	decision, err := manager.CheckQuota(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("CheckQuota failed: %v", err)
	}
	if decision.Allowed || !decision.Blocked {
		t.Errorf("Expected blocked, got %+v", decision)
	}
	if decision.Reason != "payment dispute" {
		t.Errorf("Unexpected reason: %q", decision.Reason)
	}
}

func TestSetBlocked_RequiresIdentity(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/blocked",
		strings.NewReader(`{"blocked":true}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.SetBlocked(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without an identity, got %d", rec.Code)
	}
}

func TestGetOverview(t *testing.T) {
	handler, manager := newTestHandler(t)
	ctx := context.Background()

	for _, identity := range []string{"a@example.com", "b@example.com"} {
		if _, err := manager.ApplyGrant(ctx, entitlement.Grant{Identity: identity}); err != nil {
			t.Fatalf("ApplyGrant failed: %v", err)
		}
	}
	if err := manager.RecordUsage(ctx, &entitlement.UsageRecord{
		Identity:  "a@example.com",
		CostCents: 120,
	}); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/usage", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.GetOverview(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp api.OverviewResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(resp.Identities) != 2 {
		t.Fatalf("Expected 2 identities, got %d", len(resp.Identities))
	}
	if resp.Identities[0].Identity != "a@example.com" || resp.Identities[0].TotalCostCents != 120 {
		t.Errorf("Unexpected first entry: %+v", resp.Identities[0])
	}
	if resp.MonthStart.IsZero() {
		t.Error("Expected month_start to be set")
	}
}

func TestGetOverview_RequiresAdminToken(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/usage", nil)
	rec := httptest.NewRecorder()
	handler.GetOverview(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without a token, got %d", rec.Code)
	}
}
