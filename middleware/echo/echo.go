// Package echo provides Echo middleware for entitlement and quota
// enforcement.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// IdentityExtractor extracts the billing identity from an Echo context.
type IdentityExtractor func(c echo.Context) string

// UsageExtractor builds the usage record for a completed request. Return
// nil to record nothing.
type UsageExtractor func(c echo.Context) *entitlement.UsageRecord

// Config holds middleware configuration.
type Config struct {
	// Manager answers quota checks (required).
	Manager *entitlement.Manager

	// Recorder, when set, receives usage records after the handler runs.
	Recorder *entitlement.Recorder

	// GetIdentity extracts the billing identity (required).
	GetIdentity IdentityExtractor

	// GetUsage builds the usage record once the handler has run. Optional.
	GetUsage UsageExtractor

	// OnDenied overrides the default denial response.
	OnDenied func(c echo.Context, decision *entitlement.QuotaDecision) error
}

// Middleware creates an Echo middleware enforcing entitlement and quota.
func Middleware(config Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := config.GetIdentity(c)
			if identity == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}

			decision, err := config.Manager.CheckQuota(c.Request().Context(), identity)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "quota check failed")
			}

			if !decision.Allowed {
				if config.OnDenied != nil {
					return config.OnDenied(c, decision)
				}
				status := http.StatusTooManyRequests
				if decision.Reason == "subscription not active" {
					status = http.StatusPaymentRequired
				}
				return echo.NewHTTPError(status, decision.Reason)
			}

			if err := next(c); err != nil {
				return err
			}

			if config.Recorder != nil && config.GetUsage != nil {
				if rec := config.GetUsage(c); rec != nil {
					rec.Identity = identity
					config.Recorder.Enqueue(rec)
				}
			}
			return nil
		}
	}
}
