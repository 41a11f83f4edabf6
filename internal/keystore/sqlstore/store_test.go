package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/keystore/storetest"
	"github.com/zepia/keygate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite("") // in-memory
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) keystore.Store { return newTestStore(t) })
}

// TestPostgresConformance runs the suite against a real server when
// KEYGATE_TEST_POSTGRES_DSN is set.
func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("KEYGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KEYGATE_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) keystore.Store {
		s, err := New(keystore.Config{Driver: "postgres", DSN: dsn})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := s.db.Exec("DELETE FROM access_keys"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestFileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "keys.db")
	ctx := context.Background()

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.Insert(ctx, storetest.NewRecord("key-1", "a@example.com", "", time.Now())); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.Close()

	s2, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetByAccessKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetByAccessKey after reopen: %v", err)
	}
	if got.Email != "a@example.com" {
		t.Errorf("got email %q, want %q", got.Email, "a@example.com")
	}
}

func TestVersionAdvancesOnUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Insert(ctx, storetest.NewRecord("key-1", "a@example.com", "", time.Now())); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before, _ := s.GetByAccessKey(ctx, "key-1")
	after, err := s.AtomicUpdate(ctx, "key-1", func(rec *model.AccessKey) error {
		rec.LoginCount++
		return nil
	})
	if err != nil {
		t.Fatalf("AtomicUpdate: %v", err)
	}
	if after.Version != before.Version+1 {
		t.Errorf("got version %d, want %d", after.Version, before.Version+1)
	}
}

func TestUnknownDialect(t *testing.T) {
	if _, err := New(keystore.Config{Driver: "snowflake"}); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func TestDialectLimitClauses(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", " LIMIT 5"},
		{"postgres", " LIMIT 5"},
		{"mysql", " LIMIT 5"},
		{"mssql", " OFFSET 0 ROWS FETCH NEXT 5 ROWS ONLY"},
		{"oracle", " FETCH FIRST 5 ROWS ONLY"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			if got := dialects[tt.driver].limit(5); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOracleSelectListAliases(t *testing.T) {
	got := dialects["oracle"].selectList()
	want := `access_key AS "access_key"`
	if len(got) < len(want) || got[:len(want)] != want {
		t.Errorf("got %q, want prefix %q", got, want)
	}
}

func TestIsDuplicate(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"UNIQUE constraint failed: access_keys.customer_ref", true},
		{"ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)", true},
		{"Error 1062 (23000): Duplicate entry 'cus_1' for key 'idx_access_keys_customer'", true},
		{"mssql: Cannot insert duplicate key row in object 'dbo.access_keys'", true},
		{"ORA-00001: unique constraint (KEYGATE.SYS_C0012) violated", true},
		{"connection refused", false},
	}
	for _, tt := range tests {
		if got := isDuplicate(errString(tt.msg)); got != tt.want {
			t.Errorf("isDuplicate(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
