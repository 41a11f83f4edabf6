package model

import (
	"slices"
	"time"
)

// Status is the lifecycle state of an access key.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// AccessKey is the persisted record behind one issued access key. The
// AccessKey field is the primary key and never changes once created.
type AccessKey struct {
	AccessKey   string    `json:"access_key"`
	Email       string    `json:"email"`
	CustomerRef string    `json:"customer_ref,omitempty"`
	Status      Status    `json:"status"`
	SubFrom     time.Time `json:"sub_from"`
	SubTo       time.Time `json:"sub_to"` // exclusive
	LoginCount  int       `json:"login_count"`
	SessionIDs  []string  `json:"session_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Version is the optimistic concurrency token used by SQL backends.
	Version int64 `json:"-"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// session slice of the original.
func (k *AccessKey) Clone() *AccessKey {
	if k == nil {
		return nil
	}
	c := *k
	c.SessionIDs = slices.Clone(k.SessionIDs)
	if c.SessionIDs == nil {
		c.SessionIDs = []string{}
	}
	return &c
}

// HasSession reports whether id is currently bound to the key.
func (k *AccessKey) HasSession(id string) bool {
	return slices.Contains(k.SessionIDs, id)
}

// RemoveSession unbinds id, preserving the order of the remaining sessions.
// It returns false when id was not bound.
func (k *AccessKey) RemoveSession(id string) bool {
	i := slices.Index(k.SessionIDs, id)
	if i < 0 {
		return false
	}
	k.SessionIDs = slices.Delete(k.SessionIDs, i, i+1)
	return true
}

// Prefix returns the first 8 characters of the key, safe for logs.
func (k *AccessKey) Prefix() string {
	return KeyPrefix(k.AccessKey)
}

// KeyPrefix returns a short, loggable prefix of a raw access key.
func KeyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

// ListFilter narrows an access key listing. Empty fields match everything.
type ListFilter struct {
	Email       string
	CustomerRef string
	Status      Status
	Limit       int
}

// Match reports whether rec satisfies the filter (Limit is ignored).
func (f ListFilter) Match(rec *AccessKey) bool {
	if f.Email != "" && rec.Email != f.Email {
		return false
	}
	if f.CustomerRef != "" && rec.CustomerRef != f.CustomerRef {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}
