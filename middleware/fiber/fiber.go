// Package fiber provides Fiber middleware for entitlement and quota
// enforcement.
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// IdentityExtractor extracts the billing identity from a Fiber context.
type IdentityExtractor func(c *fiber.Ctx) string

// UsageExtractor builds the usage record for a completed request. Return
// nil to record nothing.
type UsageExtractor func(c *fiber.Ctx) *entitlement.UsageRecord

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
	OnDenied func(c *fiber.Ctx, decision *entitlement.QuotaDecision) error
}

// Middleware creates a Fiber middleware enforcing entitlement and quota.
func Middleware(config Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity := config.GetIdentity(c)
		if identity == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		decision, err := config.Manager.CheckQuota(c.UserContext(), identity)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "quota check failed"})
		}

		if !decision.Allowed {
			if config.OnDenied != nil {
				return config.OnDenied(c, decision)
			}
			status := fiber.StatusTooManyRequests
			if decision.Reason == "subscription not active" {
				status = fiber.StatusPaymentRequired
			}
			return c.Status(status).JSON(fiber.Map{"error": decision.Reason})
		}

		if err := c.Next(); err != nil {
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
