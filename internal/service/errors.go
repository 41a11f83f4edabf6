package service

import (
	"errors"
	"fmt"

	"github.com/zepia/keygate/internal/keystore"
)

// Domain failures returned by the admission and activation APIs. Callers
// match them with errors.Is and map them to transport codes with Code.
var (
	ErrNotFound             = errors.New("access key not found")
	ErrSubscriptionExpired  = errors.New("subscription expired")
	ErrKeyInvalid           = errors.New("access key is not active")
	ErrLoginLimitReached    = errors.New("maximum login limit reached")
	ErrSessionQuotaExceeded = errors.New("maximum concurrent sessions reached")
	ErrSessionIDRequired    = errors.New("session id is required")
	ErrStoreUnavailable     = errors.New("key store unavailable")
)

// Stable machine-readable failure codes.
const (
	CodeNotFound             = "not_found"
	CodeSubscriptionExpired  = "subscription_expired"
	CodeKeyInvalid           = "key_invalid"
	CodeLoginLimitReached    = "login_limit_reached"
	CodeSessionQuotaExceeded = "session_quota_exceeded"
	CodeSessionIDRequired    = "session_id_required"
	CodeStoreUnavailable     = "store_unavailable"
	CodeInternal             = "internal_error"
	CodeOK                   = "ok"
)

// Code returns the stable code for err, CodeOK for nil.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSubscriptionExpired):
		return CodeSubscriptionExpired
	case errors.Is(err, ErrKeyInvalid):
		return CodeKeyInvalid
	case errors.Is(err, ErrLoginLimitReached):
		return CodeLoginLimitReached
	case errors.Is(err, ErrSessionQuotaExceeded):
		return CodeSessionQuotaExceeded
	case errors.Is(err, ErrSessionIDRequired):
		return CodeSessionIDRequired
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

// storeError translates a keystore failure. Row-not-found stays a domain
// NotFound; anything else (timeouts, connectivity, exhausted retries) is a
// retryable StoreUnavailable.
func storeError(err error) error {
	if errors.Is(err, keystore.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
