// Package boltstore persists access keys in an embedded bbolt file. Each
// write runs in a single bbolt Update transaction, and bbolt serialises
// writers, so AtomicUpdate needs no retry loop.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
)

const (
	bucketKeys     = "access_keys"
	bucketCustomer = "idx_customer"
	bucketClaims   = "claims"
)

// Store is a bbolt-backed keystore.Store.
type Store struct {
	db *bbolt.DB
}

// Open satisfies keystore.Factory; cfg.DSN is the database file path.
func Open(cfg keystore.Config) (keystore.Store, error) {
	return New(cfg.DSN)
}

// New opens (or creates) the database file at path.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("bolt store requires a file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketKeys, bucketCustomer, bucketClaims} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports ctx cancellation; an open bbolt handle is always reachable.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) GetByAccessKey(ctx context.Context, accessKey string) (*model.AccessKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *model.AccessKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, accessKey)
		return err
	})
	return rec, err
}

func (s *Store) GetByCustomerRef(ctx context.Context, customerRef string) (*model.AccessKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if customerRef == "" {
		return nil, keystore.ErrNotFound
	}
	var rec *model.AccessKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(bucketCustomer)).Get([]byte(customerRef))
		if key == nil {
			return keystore.ErrNotFound
		}
		var err error
		rec, err = getRecord(tx, string(key))
		return err
	})
	return rec, err
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*model.AccessKey, error) {
	if email == "" {
		return nil, keystore.ErrNotFound
	}
	recs, err := s.List(ctx, model.ListFilter{Email: email, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, keystore.ErrNotFound
	}
	return &recs[0], nil
}

func (s *Store) List(ctx context.Context, filter model.ListFilter) ([]model.AccessKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]model.AccessKey, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketKeys)).ForEach(func(_, v []byte) error {
			var rec model.AccessKey
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if filter.Match(&rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
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
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketKeys)).Get([]byte(rec.AccessKey)) != nil {
			return keystore.ErrDuplicate
		}
		if rec.CustomerRef != "" && tx.Bucket([]byte(bucketCustomer)).Get([]byte(rec.CustomerRef)) != nil {
			return keystore.ErrDuplicate
		}
		return putRecord(tx, nil, rec.Clone())
	})
}

// InsertClaimed writes the claim entry and the record in one Update.
func (s *Store) InsertClaimed(ctx context.Context, rec *model.AccessKey, claim keystore.Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketKeys)).Get([]byte(rec.AccessKey)) != nil {
			return keystore.ErrDuplicate
		}
		if rec.CustomerRef != "" && tx.Bucket([]byte(bucketCustomer)).Get([]byte(rec.CustomerRef)) != nil {
			return keystore.ErrDuplicate
		}
		if !claim.IsZero() {
			claims := tx.Bucket([]byte(bucketClaims))
			key := []byte(claim.Field + "\x00" + claim.Value)
			if claims.Get(key) != nil {
				return keystore.ErrDuplicate
			}
			if err := claims.Put(key, []byte(rec.AccessKey)); err != nil {
				return err
			}
		}
		return putRecord(tx, nil, rec.Clone())
	})
}

func (s *Store) Upsert(ctx context.Context, rec *model.AccessKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getRecord(tx, rec.AccessKey)
		if err != nil && !errors.Is(err, keystore.ErrNotFound) {
			return err
		}
		next := rec.Clone()
		if cur != nil {
			next.Version = cur.Version
		}
		if err := checkCustomerRef(tx, next); err != nil {
			return err
		}
		return putRecord(tx, cur, next)
	})
}

func (s *Store) AtomicUpdate(ctx context.Context, accessKey string, fn keystore.MutateFunc) (*model.AccessKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *model.AccessKey
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getRecord(tx, accessKey)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, keystore.ErrNoChange) {
				out = cur
				return nil
			}
			return err
		}
		next.AccessKey = accessKey
		next.Version = cur.Version
		next.CreatedAt = cur.CreatedAt
		if err := checkCustomerRef(tx, next); err != nil {
			return err
		}
		if err := putRecord(tx, cur, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Transaction helpers
// ---------------------------------------------------------------------------

func getRecord(tx *bbolt.Tx, accessKey string) (*model.AccessKey, error) {
	v := tx.Bucket([]byte(bucketKeys)).Get([]byte(accessKey))
	if v == nil {
		return nil, keystore.ErrNotFound
	}
	var rec model.AccessKey
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", model.KeyPrefix(accessKey), err)
	}
	if rec.SessionIDs == nil {
		rec.SessionIDs = []string{}
	}
	return &rec, nil
}

// checkCustomerRef rejects a customer reference owned by another key.
func checkCustomerRef(tx *bbolt.Tx, rec *model.AccessKey) error {
	if rec.CustomerRef == "" {
		return nil
	}
	owner := tx.Bucket([]byte(bucketCustomer)).Get([]byte(rec.CustomerRef))
	if owner != nil && string(owner) != rec.AccessKey {
		return keystore.ErrDuplicate
	}
	return nil
}

// putRecord writes next and moves the customer index entry off prev.
func putRecord(tx *bbolt.Tx, prev, next *model.AccessKey) error {
	now := time.Now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	next.Version++
	if next.SessionIDs == nil {
		next.SessionIDs = []string{}
	}

	buf, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := tx.Bucket([]byte(bucketKeys)).Put([]byte(next.AccessKey), buf); err != nil {
		return err
	}

	idx := tx.Bucket([]byte(bucketCustomer))
	if prev != nil && prev.CustomerRef != "" && prev.CustomerRef != next.CustomerRef {
		if err := idx.Delete([]byte(prev.CustomerRef)); err != nil {
			return err
		}
	}
	if next.CustomerRef != "" {
		return idx.Put([]byte(next.CustomerRef), []byte(next.AccessKey))
	}
	return nil
}
