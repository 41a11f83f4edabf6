package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/zepia/keygate/internal/keystore"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, CodeOK},
		{ErrNotFound, "not_found"},
		{ErrSubscriptionExpired, "subscription_expired"},
		{ErrKeyInvalid, "key_invalid"},
		{ErrLoginLimitReached, "login_limit_reached"},
		{ErrSessionQuotaExceeded, "session_quota_exceeded"},
		{ErrSessionIDRequired, "session_id_required"},
		{fmt.Errorf("%w: timeout", ErrStoreUnavailable), "store_unavailable"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestStoreError(t *testing.T) {
	if err := storeError(keystore.ErrNotFound); !errors.Is(err, ErrNotFound) {
		t.Errorf("not found: got %v, want ErrNotFound", err)
	}
	err := storeError(errors.New("connection refused"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("connectivity: got %v, want ErrStoreUnavailable", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("connectivity failure must not look like NotFound")
	}
	if err := storeError(keystore.ErrConflict); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("conflict: got %v, want ErrStoreUnavailable", err)
	}
}
