// Package api provides HTTP endpoints for entitlement inspection, quota
// standing, usage history, and the admin policy surface. Handlers are plain
// http.HandlerFunc values so they mount on any router.
package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// Config holds configuration for the API handler.
type Config struct {
	// Manager is the entitlement manager (required).
	Manager *entitlement.Manager

	// GetIdentity extracts the caller's billing identity from the request
	// (required for the user-facing endpoints).
	GetIdentity func(*http.Request) string

	// AdminToken guards the admin endpoints via the Authorization header
	// ("Bearer <token>"). When empty the admin endpoints refuse every
	// request rather than falling open.
	AdminToken string

	// OnError overrides default error handling.
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Logger is used for structured logging (default: no-op).
	Logger entitlement.Logger
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetIdentity == nil {
		return fmt.Errorf("getIdentity is required")
	}
	return nil
}

// NewHandler creates an API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a GetIdentity function reading a header value.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetIdentity function reading the request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if identity, ok := r.Context().Value(key).(string); ok {
			return identity
		}
		return ""
	}
}

// authorizeAdmin checks the bearer token on an admin request.
func (h *Handler) authorizeAdmin(r *http.Request) bool {
	if h.config.AdminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(h.config.AdminToken)) == 1
}
