// Package sqlstore implements keystore.Store on top of database/sql via sqlx.
// SQLite, PostgreSQL, MySQL, SQL Server and Oracle share one table layout;
// AtomicUpdate is a compare-and-set on the row's version column.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
)

// Store is a SQL-backed access key store.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// Open connects to the database named by cfg.Driver and applies migrations.
// It satisfies keystore.Factory.
func Open(cfg keystore.Config) (keystore.Store, error) {
	return New(cfg)
}

// New is Open with the concrete return type.
func New(cfg keystore.Config) (*Store, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown sql dialect %q", cfg.Driver)
	}

	dsn := cfg.DSN
	if d.name == "sqlite" {
		var err error
		if dsn, err = sqliteDSN(cfg.DSN); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Connect(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.name, err)
	}

	if d.name == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return s, nil
}

// NewSQLite opens a SQLite store at path. Pass empty string for in-memory.
func NewSQLite(path string) (*Store, error) {
	return New(keystore.Config{Driver: "sqlite", DSN: path})
}

func sqliteDSN(path string) (string, error) {
	if path == "" || path == ":memory:" {
		return ":memory:", nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}

func (s *Store) migrate() error {
	for _, m := range s.dialect.migrations {
		if _, err := s.db.Exec(m); err != nil {
			if isAlreadyExists(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

// accessKeyRow maps 1:1 to the access_keys columns. Times are stored as
// unix milliseconds so every dialect compares them the same way, and the
// session list is a JSON array.
type accessKeyRow struct {
	AccessKey   string         `db:"access_key"`
	Email       sql.NullString `db:"email"`
	CustomerRef sql.NullString `db:"customer_ref"`
	Status      string         `db:"status"`
	SubFromMs   int64          `db:"sub_from_ms"`
	SubToMs     int64          `db:"sub_to_ms"`
	LoginCount  int            `db:"login_count"`
	SessionIDs  string         `db:"session_ids"`
	Version     int64          `db:"version"`
	CreatedAtMs int64          `db:"created_at_ms"`
	UpdatedAtMs int64          `db:"updated_at_ms"`
}

// casRow carries the version a conditional update expects to replace.
type casRow struct {
	accessKeyRow
	PrevVersion int64 `db:"prev_version"`
}

func rowFromModel(rec *model.AccessKey) (accessKeyRow, error) {
	ids := rec.SessionIDs
	if ids == nil {
		ids = []string{}
	}
	sessions, err := json.Marshal(ids)
	if err != nil {
		return accessKeyRow{}, fmt.Errorf("marshal session ids: %w", err)
	}
	return accessKeyRow{
		AccessKey:   rec.AccessKey,
		Email:       sql.NullString{String: rec.Email, Valid: rec.Email != ""},
		CustomerRef: sql.NullString{String: rec.CustomerRef, Valid: rec.CustomerRef != ""},
		Status:      string(rec.Status),
		SubFromMs:   rec.SubFrom.UnixMilli(),
		SubToMs:     rec.SubTo.UnixMilli(),
		LoginCount:  rec.LoginCount,
		SessionIDs:  string(sessions),
		Version:     rec.Version,
		CreatedAtMs: rec.CreatedAt.UnixMilli(),
		UpdatedAtMs: rec.UpdatedAt.UnixMilli(),
	}, nil
}

func (r accessKeyRow) toModel() (*model.AccessKey, error) {
	ids := []string{}
	if r.SessionIDs != "" {
		if err := json.Unmarshal([]byte(r.SessionIDs), &ids); err != nil {
			return nil, fmt.Errorf("decode session ids for %s: %w", model.KeyPrefix(r.AccessKey), err)
		}
	}
	return &model.AccessKey{
		AccessKey:   r.AccessKey,
		Email:       r.Email.String,
		CustomerRef: r.CustomerRef.String,
		Status:      model.Status(r.Status),
		SubFrom:     time.UnixMilli(r.SubFromMs).UTC(),
		SubTo:       time.UnixMilli(r.SubToMs).UTC(),
		LoginCount:  r.LoginCount,
		SessionIDs:  ids,
		Version:     r.Version,
		CreatedAt:   time.UnixMilli(r.CreatedAtMs).UTC(),
		UpdatedAt:   time.UnixMilli(r.UpdatedAtMs).UTC(),
	}, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *Store) GetByAccessKey(ctx context.Context, accessKey string) (*model.AccessKey, error) {
	return s.getOne(ctx, "access_key = ?", accessKey)
}

func (s *Store) GetByCustomerRef(ctx context.Context, customerRef string) (*model.AccessKey, error) {
	if customerRef == "" {
		return nil, keystore.ErrNotFound
	}
	return s.getOne(ctx, "customer_ref = ?", customerRef)
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*model.AccessKey, error) {
	if email == "" {
		return nil, keystore.ErrNotFound
	}
	return s.getOne(ctx, "email = ?", email)
}

// getOne returns the newest row matching where.
func (s *Store) getOne(ctx context.Context, where string, arg any) (*model.AccessKey, error) {
	q := "SELECT " + s.dialect.selectList() + " FROM access_keys WHERE " + where +
		" ORDER BY created_at_ms DESC" + s.dialect.limit(1)
	var rows []accessKeyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), arg); err != nil {
		return nil, fmt.Errorf("query access key: %w", err)
	}
	if len(rows) == 0 {
		return nil, keystore.ErrNotFound
	}
	return rows[0].toModel()
}

func (s *Store) List(ctx context.Context, filter model.ListFilter) ([]model.AccessKey, error) {
	q := "SELECT " + s.dialect.selectList() + " FROM access_keys WHERE 1=1"
	var args []any
	if filter.Email != "" {
		q += " AND email = ?"
		args = append(args, filter.Email)
	}
	if filter.CustomerRef != "" {
		q += " AND customer_ref = ?"
		args = append(args, filter.CustomerRef)
	}
	if filter.Status != "" {
		q += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	q += " ORDER BY created_at_ms DESC"
	if filter.Limit > 0 {
		q += s.dialect.limit(filter.Limit)
	}

	var rows []accessKeyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list access keys: %w", err)
	}
	out := make([]model.AccessKey, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

const insertQuery = `INSERT INTO access_keys (
	access_key, email, customer_ref, status, sub_from_ms, sub_to_ms,
	login_count, session_ids, version, created_at_ms, updated_at_ms
) VALUES (
	:access_key, :email, :customer_ref, :status, :sub_from_ms, :sub_to_ms,
	:login_count, :session_ids, :version, :created_at_ms, :updated_at_ms
)`

const replaceQuery = `UPDATE access_keys SET
	email = :email, customer_ref = :customer_ref, status = :status,
	sub_from_ms = :sub_from_ms, sub_to_ms = :sub_to_ms, login_count = :login_count,
	session_ids = :session_ids, version = :version, updated_at_ms = :updated_at_ms
WHERE access_key = :access_key`

const casQuery = replaceQuery + ` AND version = :prev_version`

const claimQuery = `INSERT INTO identity_claims (claim_field, claim_value, access_key) VALUES (?, ?, ?)`

func newRow(rec *model.AccessKey) (accessKeyRow, error) {
	now := time.Now().UTC()
	c := rec.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1
	return rowFromModel(c)
}

func (s *Store) Insert(ctx context.Context, rec *model.AccessKey) error {
	row, err := newRow(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertQuery, row); err != nil {
		if isDuplicate(err) {
			return keystore.ErrDuplicate
		}
		return fmt.Errorf("insert access key: %w", err)
	}
	return nil
}

// InsertClaimed writes the identity_claims row and the access_keys row in
// one transaction. The claim's primary key rejects a second holder.
func (s *Store) InsertClaimed(ctx context.Context, rec *model.AccessKey, claim keystore.Claim) error {
	if claim.IsZero() {
		return s.Insert(ctx, rec)
	}
	row, err := newRow(rec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(claimQuery), claim.Field, claim.Value, rec.AccessKey); err != nil {
		if isDuplicate(err) {
			return keystore.ErrDuplicate
		}
		return fmt.Errorf("insert claim %s: %w", claim, err)
	}
	if _, err := tx.NamedExecContext(ctx, insertQuery, row); err != nil {
		if isDuplicate(err) {
			return keystore.ErrDuplicate
		}
		return fmt.Errorf("insert access key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isDuplicate(err) {
			return keystore.ErrDuplicate
		}
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

// Upsert replaces the row for rec.AccessKey, inserting it when absent. A
// concurrent insert of the same key is retried as a replace.
func (s *Store) Upsert(ctx context.Context, rec *model.AccessKey) error {
	for attempt := 0; attempt < keystore.MaxRetries; attempt++ {
		cur, err := s.GetByAccessKey(ctx, rec.AccessKey)
		if errors.Is(err, keystore.ErrNotFound) {
			err = s.Insert(ctx, rec)
			if errors.Is(err, keystore.ErrDuplicate) {
				// Either the key raced in or the customer ref belongs to
				// another row; only the first case is retryable.
				if _, getErr := s.GetByAccessKey(ctx, rec.AccessKey); getErr == nil {
					continue
				}
			}
			return err
		}
		if err != nil {
			return err
		}

		c := rec.Clone()
		c.UpdatedAt = time.Now().UTC()
		c.Version = cur.Version + 1
		row, err := rowFromModel(c)
		if err != nil {
			return err
		}
		if _, err := s.db.NamedExecContext(ctx, replaceQuery, row); err != nil {
			if isDuplicate(err) {
				return keystore.ErrDuplicate
			}
			return fmt.Errorf("replace access key: %w", err)
		}
		return nil
	}
	return keystore.ErrConflict
}

// AtomicUpdate reads the row, applies fn, and writes it back only if the
// version is unchanged. Lost races are retried with a fresh read.
func (s *Store) AtomicUpdate(ctx context.Context, accessKey string, fn keystore.MutateFunc) (*model.AccessKey, error) {
	for attempt := 0; attempt < keystore.MaxRetries; attempt++ {
		cur, err := s.GetByAccessKey(ctx, accessKey)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, keystore.ErrNoChange) {
				return cur, nil
			}
			return nil, err
		}
		next.AccessKey = accessKey
		next.CreatedAt = cur.CreatedAt
		next.UpdatedAt = time.Now().UTC()
		next.Version = cur.Version + 1

		row, err := rowFromModel(next)
		if err != nil {
			return nil, err
		}
		res, err := s.db.NamedExecContext(ctx, casQuery, casRow{accessKeyRow: row, PrevVersion: cur.Version})
		if err != nil {
			if isDuplicate(err) {
				return nil, keystore.ErrDuplicate
			}
			return nil, fmt.Errorf("update access key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update access key: %w", err)
		}
		if n == 1 {
			return rowToModelTruncated(next), nil
		}
		// Another writer committed first; re-read and try again.
	}
	return nil, keystore.ErrConflict
}

// rowToModelTruncated rounds timestamps to the stored millisecond precision
// so the returned record equals what a subsequent read produces.
func rowToModelTruncated(rec *model.AccessKey) *model.AccessKey {
	rec.SubFrom = time.UnixMilli(rec.SubFrom.UnixMilli()).UTC()
	rec.SubTo = time.UnixMilli(rec.SubTo.UnixMilli()).UTC()
	rec.UpdatedAt = time.UnixMilli(rec.UpdatedAt.UnixMilli()).UTC()
	return rec
}
