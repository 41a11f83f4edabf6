package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/keystore/storetest"
	"github.com/zepia/keygate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "")
}

// newLiveStore runs against a real server and is skipped unless
// KEYGATE_TEST_REDIS_DSN is set, e.g. redis://localhost:6379/15.
func newLiveStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("KEYGATE_TEST_REDIS_DSN")
	if dsn == "" {
		t.Skip("KEYGATE_TEST_REDIS_DSN not set")
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opt)
	prefix := fmt.Sprintf("keygate-test-%d", time.Now().UnixNano())
	s := New(client, prefix)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) keystore.Store { return newTestStore(t) })
}

func TestConformanceLive(t *testing.T) {
	storetest.Run(t, func(t *testing.T) keystore.Store { return newLiveStore(t) })
}

func TestInsertClaimedWritesClaimKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := New(client, "")

	rec := &model.AccessKey{AccessKey: "k1", Email: "a@example.com", Status: model.StatusActive, SessionIDs: []string{}}
	claim := keystore.Claim{Field: keystore.ClaimEmail, Value: "a@example.com"}
	if err := s.InsertClaimed(context.Background(), rec, claim); err != nil {
		t.Fatalf("InsertClaimed: %v", err)
	}
	got, err := mr.Get("keygate:claim:email:a@example.com")
	if err != nil {
		t.Fatalf("claim key: %v", err)
	}
	if got != "k1" {
		t.Errorf("claim held by %q, want k1", got)
	}
}

func TestKeyLayout(t *testing.T) {
	s := New(nil, "")
	if got, want := s.recordKey("abc"), "keygate:key:abc"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := s.customerKey("cus_1"), "keygate:customer:cus_1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := s.emailKey("a@example.com"), "keygate:email:a@example.com"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	claim := keystore.Claim{Field: keystore.ClaimEmail, Value: "a@example.com"}
	if got, want := s.claimKey(claim), "keygate:claim:email:a@example.com"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, err := Open(keystore.Config{Driver: "redis", DSN: "not a url"}); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}
