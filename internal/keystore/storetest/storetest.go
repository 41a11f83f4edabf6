// Package storetest is a conformance suite every keystore.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
)

// Factory returns a fresh, empty store. It should register its own cleanup.
type Factory func(t *testing.T) keystore.Store

// Run exercises the full keystore.Store contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, newStore(t)) })
	t.Run("LookupByEmailPrefersNewest", func(t *testing.T) { testEmailNewest(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Upsert", func(t *testing.T) { testUpsert(t, newStore(t)) })
	t.Run("AtomicUpdate", func(t *testing.T) { testAtomicUpdate(t, newStore(t)) })
	t.Run("AtomicUpdateConcurrent", func(t *testing.T) { testAtomicUpdateConcurrent(t, newStore(t)) })
	t.Run("InsertClaimed", func(t *testing.T) { testInsertClaimed(t, newStore(t)) })
	t.Run("InsertClaimedConcurrent", func(t *testing.T) { testInsertClaimedConcurrent(t, newStore(t)) })
}

// NewRecord builds an active record with a 30 day window starting at from.
func NewRecord(key, email, customerRef string, from time.Time) *model.AccessKey {
	from = from.UTC().Truncate(time.Millisecond)
	return &model.AccessKey{
		AccessKey:   key,
		Email:       email,
		CustomerRef: customerRef,
		Status:      model.StatusActive,
		SubFrom:     from,
		SubTo:       from.AddDate(0, 0, 30),
		SessionIDs:  []string{},
		CreatedAt:   from,
	}
}

func testInsertAndGet(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	now := time.Now()
	rec := NewRecord("key-1", "a@example.com", "cus_1", now)
	rec.SessionIDs = []string{"s1", "s2"}
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.GetByAccessKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetByAccessKey: %v", err)
	}
	if got.Email != "a@example.com" {
		t.Errorf("got email %q, want %q", got.Email, "a@example.com")
	}
	if got.Status != model.StatusActive {
		t.Errorf("got status %q, want %q", got.Status, model.StatusActive)
	}
	if !got.SubTo.Equal(rec.SubTo) {
		t.Errorf("got sub_to %v, want %v", got.SubTo, rec.SubTo)
	}
	if len(got.SessionIDs) != 2 || got.SessionIDs[0] != "s1" || got.SessionIDs[1] != "s2" {
		t.Errorf("got sessions %v, want [s1 s2]", got.SessionIDs)
	}

	byRef, err := s.GetByCustomerRef(ctx, "cus_1")
	if err != nil {
		t.Fatalf("GetByCustomerRef: %v", err)
	}
	if byRef.AccessKey != "key-1" {
		t.Errorf("got key %q, want %q", byRef.AccessKey, "key-1")
	}

	if _, err := s.GetByAccessKey(ctx, "missing"); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("missing key: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetByCustomerRef(ctx, ""); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("empty customer ref: got %v, want ErrNotFound", err)
	}
}

func testInsertDuplicate(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	now := time.Now()
	if err := s.Insert(ctx, NewRecord("key-1", "a@example.com", "cus_1", now)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, NewRecord("key-1", "b@example.com", "", now)); !errors.Is(err, keystore.ErrDuplicate) {
		t.Errorf("duplicate key: got %v, want ErrDuplicate", err)
	}
	if err := s.Insert(ctx, NewRecord("key-2", "b@example.com", "cus_1", now)); !errors.Is(err, keystore.ErrDuplicate) {
		t.Errorf("duplicate customer ref: got %v, want ErrDuplicate", err)
	}
	// Records without a customer reference never collide on it.
	if err := s.Insert(ctx, NewRecord("key-3", "c@example.com", "", now)); err != nil {
		t.Fatalf("Insert key-3: %v", err)
	}
	if err := s.Insert(ctx, NewRecord("key-4", "d@example.com", "", now)); err != nil {
		t.Fatalf("Insert key-4: %v", err)
	}
}

func testEmailNewest(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := NewRecord(fmt.Sprintf("key-%d", i), "same@example.com", "", base.Add(time.Duration(i)*time.Minute))
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	got, err := s.GetByEmail(ctx, "same@example.com")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if got.AccessKey != "key-2" {
		t.Errorf("got key %q, want newest %q", got.AccessKey, "key-2")
	}
	if _, err := s.GetByEmail(ctx, "nobody@example.com"); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("unknown email: got %v, want ErrNotFound", err)
	}
}

func testList(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		rec := NewRecord(fmt.Sprintf("key-%d", i), fmt.Sprintf("u%d@example.com", i%2), "", base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			rec.Status = model.StatusCancelled
		}
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	all, err := s.List(ctx, model.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d records, want 4", len(all))
	}
	if all[0].AccessKey != "key-3" {
		t.Errorf("got first %q, want newest %q", all[0].AccessKey, "key-3")
	}

	byEmail, _ := s.List(ctx, model.ListFilter{Email: "u0@example.com"})
	if len(byEmail) != 2 {
		t.Errorf("got %d records for u0, want 2", len(byEmail))
	}
	cancelled, _ := s.List(ctx, model.ListFilter{Status: model.StatusCancelled})
	if len(cancelled) != 1 {
		t.Errorf("got %d cancelled records, want 1", len(cancelled))
	}
	limited, _ := s.List(ctx, model.ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("got %d records with limit, want 2", len(limited))
	}
}

func testUpsert(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	rec := NewRecord("key-1", "a@example.com", "cus_1", time.Now())
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert (create): %v", err)
	}

	rec.Status = model.StatusCancelled
	rec.LoginCount = 7
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert (replace): %v", err)
	}
	got, err := s.GetByAccessKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetByAccessKey: %v", err)
	}
	if got.Status != model.StatusCancelled || got.LoginCount != 7 {
		t.Errorf("got status %q count %d, want CANCELLED 7", got.Status, got.LoginCount)
	}
}

func testAtomicUpdate(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	if err := s.Insert(ctx, NewRecord("key-1", "a@example.com", "", time.Now())); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.AtomicUpdate(ctx, "key-1", func(rec *model.AccessKey) error {
		rec.LoginCount++
		rec.SessionIDs = append(rec.SessionIDs, "s1")
		return nil
	})
	if err != nil {
		t.Fatalf("AtomicUpdate: %v", err)
	}
	if got.LoginCount != 1 || !got.HasSession("s1") {
		t.Errorf("got count %d sessions %v, want 1 [s1]", got.LoginCount, got.SessionIDs)
	}

	// ErrNoChange commits nothing and still succeeds.
	got, err = s.AtomicUpdate(ctx, "key-1", func(rec *model.AccessKey) error {
		rec.LoginCount = 99
		return keystore.ErrNoChange
	})
	if err != nil {
		t.Fatalf("AtomicUpdate (no change): %v", err)
	}
	if got.LoginCount != 1 {
		t.Errorf("got count %d after no-change, want 1", got.LoginCount)
	}

	// Other errors abort without writing.
	boom := errors.New("boom")
	if _, err := s.AtomicUpdate(ctx, "key-1", func(rec *model.AccessKey) error {
		rec.LoginCount = 42
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
	stored, _ := s.GetByAccessKey(ctx, "key-1")
	if stored.LoginCount != 1 {
		t.Errorf("got stored count %d after abort, want 1", stored.LoginCount)
	}

	if _, err := s.AtomicUpdate(ctx, "missing", func(*model.AccessKey) error { return nil }); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("missing key: got %v, want ErrNotFound", err)
	}
}

// testAtomicUpdateConcurrent races capped increments. With a cap of 5 and
// 20 writers exactly 5 must succeed and the stored count must be 5.
func testAtomicUpdateConcurrent(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	if err := s.Insert(ctx, NewRecord("key-1", "a@example.com", "", time.Now())); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	const writers, limit = 20, 5
	errFull := errors.New("full")
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicUpdate(ctx, "key-1", func(rec *model.AccessKey) error {
				if rec.LoginCount >= limit {
					return errFull
				}
				rec.LoginCount++
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, errFull):
			default:
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if wins != limit {
		t.Errorf("got %d successful increments, want %d", wins, limit)
	}
	got, _ := s.GetByAccessKey(ctx, "key-1")
	if got.LoginCount != limit {
		t.Errorf("got stored count %d, want %d", got.LoginCount, limit)
	}
}

func testInsertClaimed(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	now := time.Now()
	claim := keystore.Claim{Field: keystore.ClaimEmail, Value: "a@example.com"}

	if err := s.InsertClaimed(ctx, NewRecord("key-1", "a@example.com", "", now), claim); err != nil {
		t.Fatalf("InsertClaimed: %v", err)
	}
	if err := s.InsertClaimed(ctx, NewRecord("key-2", "a@example.com", "", now), claim); !errors.Is(err, keystore.ErrDuplicate) {
		t.Errorf("held claim: got %v, want ErrDuplicate", err)
	}
	if _, err := s.GetByAccessKey(ctx, "key-2"); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("rejected insert left a record behind: %v", err)
	}

	// The claim is per field and value.
	other := keystore.Claim{Field: keystore.ClaimEmail, Value: "b@example.com"}
	if err := s.InsertClaimed(ctx, NewRecord("key-3", "b@example.com", "", now), other); err != nil {
		t.Errorf("other value: %v", err)
	}
	// A plain Insert never consults claims.
	if err := s.Insert(ctx, NewRecord("key-4", "a@example.com", "", now)); err != nil {
		t.Errorf("Insert with a claimed email: %v", err)
	}
	// A zero claim behaves like Insert, including the customer ref check.
	if err := s.InsertClaimed(ctx, NewRecord("key-5", "c@example.com", "cus_5", now), keystore.Claim{}); err != nil {
		t.Errorf("zero claim: %v", err)
	}
	if err := s.InsertClaimed(ctx, NewRecord("key-6", "d@example.com", "cus_5", now), keystore.Claim{}); !errors.Is(err, keystore.ErrDuplicate) {
		t.Errorf("duplicate customer ref: got %v, want ErrDuplicate", err)
	}
	if err := s.InsertClaimed(ctx, NewRecord("key-1", "e@example.com", "", now), keystore.Claim{}); !errors.Is(err, keystore.ErrDuplicate) {
		t.Errorf("duplicate access key: got %v, want ErrDuplicate", err)
	}
}

// testInsertClaimedConcurrent races creates on one claim. Exactly one may
// win and exactly one record may carry the email.
func testInsertClaimedConcurrent(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	now := time.Now()
	claim := keystore.Claim{Field: keystore.ClaimEmail, Value: "race@example.com"}

	const writers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertClaimed(ctx, NewRecord(fmt.Sprintf("key-%d", i), "race@example.com", "", now), claim)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, keystore.ErrDuplicate):
			default:
				errs = append(errs, err)
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if wins != 1 {
		t.Errorf("got %d winning inserts, want 1", wins)
	}
	recs, err := s.List(ctx, model.ListFilter{Email: "race@example.com"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records for the claimed email, want 1", len(recs))
	}
}
