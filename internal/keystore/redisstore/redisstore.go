// Package redisstore keeps access keys in Redis as JSON strings. Writes use
// WATCH/MULTI so a record changed by another client between read and write
// aborts the transaction, which is then retried.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
)

const defaultPrefix = "keygate"

// Store is a Redis-backed keystore.Store.
type Store struct {
	client *redis.Client
	prefix string
}

// Open satisfies keystore.Factory. cfg.DSN is a redis:// URL.
func Open(cfg keystore.Config) (keystore.Store, error) {
	opt, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		opt.PoolSize = cfg.MaxOpenConns
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, defaultPrefix), nil
}

// New wraps an existing client. Keys are namespaced under prefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) recordKey(accessKey string) string { return s.prefix + ":key:" + accessKey }
func (s *Store) customerKey(ref string) string     { return s.prefix + ":customer:" + ref }
func (s *Store) emailKey(email string) string      { return s.prefix + ":email:" + email }
func (s *Store) allKey() string                    { return s.prefix + ":keys" }
func (s *Store) claimKey(c keystore.Claim) string  { return s.prefix + ":claim:" + c.Field + ":" + c.Value }

func (s *Store) Close() error                   { return s.client.Close() }
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) GetByAccessKey(ctx context.Context, accessKey string) (*model.AccessKey, error) {
	return get(ctx, s.client, s.recordKey(accessKey))
}

func (s *Store) GetByCustomerRef(ctx context.Context, customerRef string) (*model.AccessKey, error) {
	if customerRef == "" {
		return nil, keystore.ErrNotFound
	}
	key, err := s.client.Get(ctx, s.customerKey(customerRef)).Result()
	if err == redis.Nil {
		return nil, keystore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetByAccessKey(ctx, key)
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*model.AccessKey, error) {
	if email == "" {
		return nil, keystore.ErrNotFound
	}
	keys, err := s.client.ZRevRange(ctx, s.emailKey(email), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, keystore.ErrNotFound
	}
	return s.GetByAccessKey(ctx, keys[0])
}

func (s *Store) List(ctx context.Context, filter model.ListFilter) ([]model.AccessKey, error) {
	index := s.allKey()
	if filter.Email != "" {
		index = s.emailKey(filter.Email)
	}
	keys, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.AccessKey, 0)
	if len(keys) == 0 {
		return out, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = s.recordKey(k)
	}
	vals, err := s.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		if !filter.Match(rec) {
			continue
		}
		out = append(out, *rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, rec *model.AccessKey) error {
	watch := []string{s.recordKey(rec.AccessKey)}
	if rec.CustomerRef != "" {
		watch = append(watch, s.customerKey(rec.CustomerRef))
	}
	return s.retry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, watch...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return keystore.ErrDuplicate
		}
		return s.write(ctx, tx, nil, rec.Clone())
	}, watch...)
}

// InsertClaimed watches the claim key with the record keys, so two creates
// racing on one claim cannot both commit.
func (s *Store) InsertClaimed(ctx context.Context, rec *model.AccessKey, claim keystore.Claim) error {
	if claim.IsZero() {
		return s.Insert(ctx, rec)
	}
	watch := []string{s.recordKey(rec.AccessKey), s.claimKey(claim)}
	if rec.CustomerRef != "" {
		watch = append(watch, s.customerKey(rec.CustomerRef))
	}
	return s.retry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, watch...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return keystore.ErrDuplicate
		}
		return s.write(ctx, tx, nil, rec.Clone(), func(pipe redis.Pipeliner) {
			pipe.Set(ctx, s.claimKey(claim), rec.AccessKey, 0)
		})
	}, watch...)
}

func (s *Store) Upsert(ctx context.Context, rec *model.AccessKey) error {
	watch := []string{s.recordKey(rec.AccessKey)}
	if rec.CustomerRef != "" {
		watch = append(watch, s.customerKey(rec.CustomerRef))
	}
	return s.retry(ctx, func(tx *redis.Tx) error {
		cur, err := get(ctx, tx, s.recordKey(rec.AccessKey))
		if err != nil && !errors.Is(err, keystore.ErrNotFound) {
			return err
		}
		next := rec.Clone()
		if cur != nil {
			next.Version = cur.Version
		}
		if err := s.checkCustomerRef(ctx, tx, next); err != nil {
			return err
		}
		return s.write(ctx, tx, cur, next)
	}, watch...)
}

func (s *Store) AtomicUpdate(ctx context.Context, accessKey string, fn keystore.MutateFunc) (*model.AccessKey, error) {
	var out *model.AccessKey
	err := s.retry(ctx, func(tx *redis.Tx) error {
		cur, err := get(ctx, tx, s.recordKey(accessKey))
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
		if next.CustomerRef != cur.CustomerRef && next.CustomerRef != "" {
			if err := tx.Watch(ctx, s.customerKey(next.CustomerRef)).Err(); err != nil {
				return err
			}
			if err := s.checkCustomerRef(ctx, tx, next); err != nil {
				return err
			}
		}
		if err := s.write(ctx, tx, cur, next); err != nil {
			return err
		}
		out = next
		return nil
	}, s.recordKey(accessKey))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// retry runs fn under WATCH until it commits without interference.
func (s *Store) retry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < keystore.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return keystore.ErrConflict
}

func (s *Store) checkCustomerRef(ctx context.Context, tx *redis.Tx, rec *model.AccessKey) error {
	if rec.CustomerRef == "" {
		return nil
	}
	owner, err := tx.Get(ctx, s.customerKey(rec.CustomerRef)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != rec.AccessKey {
		return keystore.ErrDuplicate
	}
	return nil
}

// write queues the record and its index entries in one MULTI block. extra
// commands join the same block.
func (s *Store) write(ctx context.Context, tx *redis.Tx, prev, next *model.AccessKey, extra ...func(redis.Pipeliner)) error {
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
	score := float64(next.CreatedAt.UnixMilli())

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(next.AccessKey), buf, 0)
		pipe.ZAdd(ctx, s.allKey(), &redis.Z{Score: score, Member: next.AccessKey})
		if prev != nil && prev.Email != next.Email && prev.Email != "" {
			pipe.ZRem(ctx, s.emailKey(prev.Email), next.AccessKey)
		}
		if next.Email != "" {
			pipe.ZAdd(ctx, s.emailKey(next.Email), &redis.Z{Score: score, Member: next.AccessKey})
		}
		if prev != nil && prev.CustomerRef != next.CustomerRef && prev.CustomerRef != "" {
			pipe.Del(ctx, s.customerKey(prev.CustomerRef))
		}
		if next.CustomerRef != "" {
			pipe.Set(ctx, s.customerKey(next.CustomerRef), next.AccessKey, 0)
		}
		for _, fn := range extra {
			fn(pipe)
		}
		return nil
	})
	return err
}

func get(ctx context.Context, c redis.Cmdable, key string) (*model.AccessKey, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, keystore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*model.AccessKey, error) {
	var rec model.AccessKey
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode access key: %w", err)
	}
	if rec.SessionIDs == nil {
		rec.SessionIDs = []string{}
	}
	return &rec, nil
}
