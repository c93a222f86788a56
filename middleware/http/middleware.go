// Package http provides net/http middleware that gates requests on
// entitlement and spending quota, and optionally records usage after the
// handler runs.
package http

import (
	"net/http"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// IdentityExtractor extracts the billing identity (email) from a request.
// Return empty string when the caller is not authenticated.
type IdentityExtractor func(r *http.Request) string

// UsageExtractor builds the usage record for a completed request. Return
// nil to record nothing (e.g. for failed requests).
type UsageExtractor func(r *http.Request, status int) *entitlement.UsageRecord

// Config holds middleware configuration.
type Config struct {
	// Manager answers quota checks (required).
	Manager *entitlement.Manager

	// Recorder, when set, receives usage records asynchronously after the
	// wrapped handler completes. Requires GetUsage.
	Recorder *entitlement.Recorder

	// GetIdentity extracts the billing identity from the request (required).
	GetIdentity IdentityExtractor

	// GetUsage builds the usage record once the handler has run. Optional.
	GetUsage UsageExtractor

	// OnDenied is called when the quota check denies the request.
	// If nil, responds 402 Payment Required for missing entitlement and
	// 429 Too Many Requests for exhausted quota or blocks.
	OnDenied func(w http.ResponseWriter, r *http.Request, decision *entitlement.QuotaDecision)

	// OnUnauthorized is called when no identity can be extracted.
	// If nil, responds 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the check itself fails.
	// If nil, responds 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// statusRecorder captures the status code the handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Middleware creates an HTTP middleware enforcing entitlement and quota.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := config.GetIdentity(r)
			if identity == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			decision, err := config.Manager.CheckQuota(r.Context(), identity)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else if decision.Reason == "subscription not active" {
					http.Error(w, decision.Reason, http.StatusPaymentRequired)
				} else {
					http.Error(w, decision.Reason, http.StatusTooManyRequests)
				}
				return
			}

			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)

			if config.Recorder != nil && config.GetUsage != nil {
				if rec := config.GetUsage(r, sr.status); rec != nil {
					rec.Identity = identity
					config.Recorder.Enqueue(rec)
				}
			}
		})
	}
}

// HandlerFunc is the http.HandlerFunc flavor of Middleware.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		wrapped := middleware(next)
		return wrapped.ServeHTTP
	}
}
