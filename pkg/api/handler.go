package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/entsync/pkg/internal"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

const maxIdentityLen = 255

// Handler provides the HTTP endpoints.
type Handler struct {
	config Config
}

// GetEntitlement answers "does this identity have access right now".
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}

	access, err := h.config.Manager.CheckEntitlement(r.Context(), identity)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to check entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	resp := EntitlementResponse{
		Identity: identity,
		Active:   access.Active,
	}
	if ent := access.Entitlement; ent != nil {
		resp.Status = string(ent.Status)
		resp.SubscriptionID = ent.SubscriptionID
		if !ent.PeriodStart.IsZero() {
			resp.PeriodStart = &ent.PeriodStart
		}
		if !ent.PeriodEnd.IsZero() {
			resp.PeriodEnd = &ent.PeriodEnd
		}
		if !ent.UpdatedAt.IsZero() {
			resp.UpdatedAt = &ent.UpdatedAt
		}
	}
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

// GetQuota answers a pre-dispatch quota check without consuming anything.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}

	decision, err := h.config.Manager.CheckQuota(r.Context(), identity)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to check quota: %w", err), http.StatusInternalServerError)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, QuotaResponse{
		Identity:       identity,
		Allowed:        decision.Allowed,
		Reason:         decision.Reason,
		Blocked:        decision.Blocked,
		CostUsedCents:  decision.CostUsedCents,
		CostLimitCents: decision.CostLimitCents,
		CostUsedUSD:    float64(decision.CostUsedCents) / 100,
	})
}

// GetUsage returns the month's aggregate and recent usage history.
// Query params: days (history window, default 30), limit (default 100).
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}

	monthly, err := h.config.Manager.MonthlyUsage(r.Context(), identity)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to aggregate usage: %w", err), http.StatusInternalServerError)
		return
	}

	days := queryInt(r, "days", 30)
	limit := queryInt(r, "limit", 100)
	history, err := h.config.Manager.UsageHistory(r.Context(), identity, days, limit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to read usage history: %w", err), http.StatusInternalServerError)
		return
	}

	resp := UsageResponse{
		Identity:         identity,
		MonthStart:       monthly.PeriodStart,
		TotalCostCents:   monthly.TotalCostCents,
		TotalInputUnits:  monthly.TotalInputUnits,
		TotalOutputUnits: monthly.TotalOutputUnits,
		Requests:         monthly.Requests,
	}
	for _, rec := range history {
		resp.History = append(resp.History, UsageRecord{
			Timestamp:   rec.Timestamp,
			InputUnits:  rec.InputUnits,
			OutputUnits: rec.OutputUnits,
			Provider:    rec.Provider,
			Operation:   rec.Operation,
			Model:       rec.Model,
			CostCents:   rec.CostCents,
		})
	}
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

// GetOverview is the admin endpoint listing every entitled identity's
// monthly totals.
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(r) {
		h.handleError(w, r, errors.New("forbidden"), http.StatusForbidden)
		return
	}

	overview, err := h.config.Manager.UsageOverview(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to build usage overview: %w", err), http.StatusInternalServerError)
		return
	}

	resp := OverviewResponse{
		MonthStart: entitlement.MonthStart(time.Now().UTC()),
		Identities: make([]IdentityUsage, 0, len(overview)),
	}
	for _, usage := range overview {
		resp.Identities = append(resp.Identities, IdentityUsage{
			Identity:         usage.Identity,
			TotalCostCents:   usage.TotalCostCents,
			TotalInputUnits:  usage.TotalInputUnits,
			TotalOutputUnits: usage.TotalOutputUnits,
			Requests:         usage.Requests,
		})
	}
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

// SetLimit is the admin endpoint for adjusting spending limits.
// An empty identity sets the default policy.
func (h *Handler) SetLimit(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(r) {
		h.handleError(w, r, errors.New("forbidden"), http.StatusForbidden)
		return
	}

	var req SetLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if !req.Unlimited && req.CostLimitCents == nil {
		h.handleError(w, r, errors.New("cost_limit_cents or unlimited required"), http.StatusBadRequest)
		return
	}

	limit := req.CostLimitCents
	if req.Unlimited {
		limit = nil
	}
	if err := h.config.Manager.SetCostLimit(r.Context(), req.Identity, limit); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to set limit: %w", err), http.StatusInternalServerError)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

// SetBlocked is the admin endpoint for blocking and unblocking identities.
func (h *Handler) SetBlocked(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(r) {
		h.handleError(w, r, errors.New("forbidden"), http.StatusForbidden)
		return
	}

	var req SetBlockedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		h.handleError(w, r, errors.New("identity required"), http.StatusBadRequest)
		return
	}

	if err := h.config.Manager.SetBlocked(r.Context(), req.Identity, req.Blocked, req.Reason); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to set blocked: %w", err), http.StatusInternalServerError)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

// callerIdentity extracts and validates the caller's identity, writing the
// error response itself when the request cannot proceed.
func (h *Handler) callerIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity := h.config.GetIdentity(r)
	if identity == "" {
		h.handleError(w, r, errors.New("identity not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(identity) > maxIdentityLen {
		h.handleError(w, r, errors.New("invalid identity"), http.StatusBadRequest)
		return "", false
	}
	return entitlement.NormalizeIdentity(identity), true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	h.config.Logger.Warn("api request failed",
		entitlement.Field{Key: "path", Value: r.URL.Path},
		entitlement.Field{Key: "status", Value: statusCode},
		entitlement.Field{Key: "error", Value: err.Error()})
	_ = internal.WriteJSON(w, statusCode, errorResponse{Error: err.Error()})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
