// Package keystore defines the persistence contract for access key records
// and the registry of backends that implement it.
//
// Every backend must make AtomicUpdate linearizable per access key: the
// mutation sees the latest committed record and its result is committed
// only if no other writer committed in between. Read-then-write sequences
// outside AtomicUpdate are not safe for admission decisions.
package keystore

import (
	"context"
	"errors"

	"github.com/zepia/keygate/internal/model"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned by Insert when the access key or the customer
	// reference is already taken.
	ErrDuplicate = errors.New("record already exists")

	// ErrNoChange may be returned by a MutateFunc to commit nothing. The
	// AtomicUpdate call then succeeds and returns the unmodified record.
	ErrNoChange = errors.New("no change")

	// ErrConflict is returned when an optimistic update kept losing races
	// and the retry budget ran out.
	ErrConflict = errors.New("concurrent update conflict")
)

// MutateFunc mutates rec in place. Returning nil commits the mutation,
// ErrNoChange commits nothing, and any other error aborts without writing
// and is returned from AtomicUpdate unchanged. A MutateFunc may be called
// more than once when a backend retries after a lost race, so it must not
// carry state from a previous attempt.
type MutateFunc func(rec *model.AccessKey) error

// Claim fields.
const (
	ClaimCustomerRef = "customer_ref"
	ClaimEmail       = "email"
)

// Claim names an identity value that at most one record created through
// InsertClaimed may hold. A zero Claim claims nothing.
type Claim struct {
	Field string
	Value string
}

// IsZero reports whether c claims nothing.
func (c Claim) IsZero() bool { return c.Field == "" || c.Value == "" }

func (c Claim) String() string { return c.Field + "=" + c.Value }

// Store is the transactional key-value contract the core depends on.
type Store interface {
	// GetByAccessKey returns the record for the primary key.
	GetByAccessKey(ctx context.Context, accessKey string) (*model.AccessKey, error)
	// GetByCustomerRef returns the record linked to a billing customer.
	GetByCustomerRef(ctx context.Context, customerRef string) (*model.AccessKey, error)
	// GetByEmail returns the most recently created record for an email.
	GetByEmail(ctx context.Context, email string) (*model.AccessKey, error)
	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter model.ListFilter) ([]model.AccessKey, error)

	// Insert creates a new record and fails with ErrDuplicate if the access
	// key or a non-empty customer reference already exists.
	Insert(ctx context.Context, rec *model.AccessKey) error
	// InsertClaimed is Insert made conditional on claim. The claim and the
	// record are written in one atomic step, and the call fails with
	// ErrDuplicate, writing nothing, when an earlier InsertClaimed already
	// took the same claim. Claims are never released.
	InsertClaimed(ctx context.Context, rec *model.AccessKey, claim Claim) error
	// Upsert creates or fully replaces the record keyed by rec.AccessKey.
	Upsert(ctx context.Context, rec *model.AccessKey) error
	// AtomicUpdate applies fn to the current record as one linearizable
	// read-modify-write and returns the committed record.
	AtomicUpdate(ctx context.Context, accessKey string, fn MutateFunc) (*model.AccessKey, error)

	Ping(ctx context.Context) error
	Close() error
}

// MaxRetries bounds optimistic retries for backends that detect conflicts
// after the fact (SQL version checks, Redis WATCH).
const MaxRetries = 16
