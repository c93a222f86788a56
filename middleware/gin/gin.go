// Package gin provides Gin middleware for entitlement and quota
// enforcement.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// IdentityExtractor extracts the billing identity from a Gin context.
type IdentityExtractor func(c *gin.Context) string

// UsageExtractor builds the usage record for a completed request. Return
// nil to record nothing.
type UsageExtractor func(c *gin.Context) *entitlement.UsageRecord

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
	OnDenied func(c *gin.Context, decision *entitlement.QuotaDecision)
}

// Middleware creates a Gin middleware enforcing entitlement and quota.
func Middleware(config Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := config.GetIdentity(c)
		if identity == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		decision, err := config.Manager.CheckQuota(c.Request.Context(), identity)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "quota check failed"})
			return
		}

		if !decision.Allowed {
			if config.OnDenied != nil {
				config.OnDenied(c, decision)
				c.Abort()
				return
			}
			status := http.StatusTooManyRequests
			if decision.Reason == "subscription not active" {
				status = http.StatusPaymentRequired
			}
			c.AbortWithStatusJSON(status, gin.H{"error": decision.Reason})
			return
		}

		c.Next()

		if config.Recorder != nil && config.GetUsage != nil {
			if rec := config.GetUsage(c); rec != nil {
				rec.Identity = identity
				config.Recorder.Enqueue(rec)
			}
		}
	}
}
