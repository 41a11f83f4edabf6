// Package memstore is an in-process keystore.Store. It backs the "memory"
// driver and doubles as the fake store in service tests.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
)

// Store keeps records in a map guarded by a single mutex, which makes every
// AtomicUpdate trivially linearizable.
type Store struct {
	mu      sync.Mutex
	records map[string]*model.AccessKey
	claims  map[keystore.Claim]string

	// Fail, when set, is returned by every operation. Tests use it to
	// simulate an unavailable backend.
	Fail error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]*model.AccessKey),
		claims:  make(map[keystore.Claim]string),
	}
}

// Open adapts New to keystore.Factory.
func Open(_ keystore.Config) (keystore.Store, error) {
	return New(), nil
}

func (s *Store) GetByAccessKey(ctx context.Context, accessKey string) (*model.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := s.records[accessKey]
	if !ok {
		return nil, keystore.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) GetByCustomerRef(ctx context.Context, customerRef string) (*model.AccessKey, error) {
	return s.findLatest(ctx, func(r *model.AccessKey) bool {
		return customerRef != "" && r.CustomerRef == customerRef
	})
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*model.AccessKey, error) {
	return s.findLatest(ctx, func(r *model.AccessKey) bool {
		return email != "" && r.Email == email
	})
}

func (s *Store) findLatest(ctx context.Context, match func(*model.AccessKey) bool) (*model.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var found *model.AccessKey
	for _, r := range s.records {
		if !match(r) {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, keystore.ErrNotFound
	}
	return found.Clone(), nil
}

func (s *Store) List(ctx context.Context, filter model.ListFilter) ([]model.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AccessKey, 0)
	for _, r := range s.records {
		if filter.Match(r) {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, rec *model.AccessKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.records[rec.AccessKey]; ok {
		return keystore.ErrDuplicate
	}
	if s.refTaken(rec) {
		return keystore.ErrDuplicate
	}
	s.put(rec)
	return nil
}

func (s *Store) InsertClaimed(ctx context.Context, rec *model.AccessKey, claim keystore.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.records[rec.AccessKey]; ok || s.refTaken(rec) {
		return keystore.ErrDuplicate
	}
	if !claim.IsZero() {
		if _, held := s.claims[claim]; held {
			return keystore.ErrDuplicate
		}
		s.claims[claim] = rec.AccessKey
	}
	s.put(rec)
	return nil
}

func (s *Store) Upsert(ctx context.Context, rec *model.AccessKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.refTaken(rec) {
		return keystore.ErrDuplicate
	}
	s.put(rec)
	return nil
}

func (s *Store) AtomicUpdate(ctx context.Context, accessKey string, fn keystore.MutateFunc) (*model.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	cur, ok := s.records[accessKey]
	if !ok {
		return nil, keystore.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, keystore.ErrNoChange) {
			return cur.Clone(), nil
		}
		return nil, err
	}
	next.AccessKey = accessKey
	next.Version = cur.Version
	next.CreatedAt = cur.CreatedAt
	if s.refTaken(next) {
		return nil, keystore.ErrDuplicate
	}
	s.put(next)
	return s.records[accessKey].Clone(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx)
}

func (s *Store) Close() error { return nil }

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) put(rec *model.AccessKey) {
	c := rec.Clone()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version++
	s.records[c.AccessKey] = c
}

// refTaken reports whether rec's customer reference belongs to another key.
func (s *Store) refTaken(rec *model.AccessKey) bool {
	if rec.CustomerRef == "" {
		return false
	}
	for k, r := range s.records {
		if k != rec.AccessKey && r.CustomerRef == rec.CustomerRef {
			return true
		}
	}
	return false
}

func (s *Store) check(ctx context.Context) error {
	if s.Fail != nil {
		return s.Fail
	}
	return ctx.Err()
}
