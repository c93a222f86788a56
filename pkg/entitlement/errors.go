package entitlement

import "errors"

var (
	// ErrEntitlementNotFound is returned when an identity has no entitlement row
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrQuotaExceeded is returned when the monthly cost limit is reached
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrBlocked is returned when the identity carries an explicit admin block
	ErrBlocked = errors.New("identity blocked")

	// ErrInvalidIdentity is returned for an empty or malformed identity
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrStoreUnavailable is returned when the backing store cannot be reached;
	// webhook callers surface it as a retriable failure
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStaleEvent is returned by ApplyGrant when the grant's event time is
	// not newer than the stored entitlement; redelivered events hit this
	ErrStaleEvent = errors.New("stale event")
)
