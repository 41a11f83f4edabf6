package sqlstore

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	// Database drivers for the supported dialects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	_ "modernc.org/sqlite"
)

func init() {
	// go-ora registers as "oracle", which sqlx does not know about.
	sqlx.BindDriver("oracle", sqlx.NAMED)
}

// dialect captures the per-database differences: the database/sql driver
// name, schema DDL, and row limiting syntax.
type dialect struct {
	name       string
	driverName string
	migrations []string
	// limit renders a clause that caps an ORDER BY query at n rows.
	limit func(n int) string
	// aliasColumns forces lower-case column labels for databases that fold
	// unquoted identifiers to upper case.
	aliasColumns bool
}

func standardLimit(n int) string { return fmt.Sprintf(" LIMIT %d", n) }

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		limit:      standardLimit,
		migrations: []string{
			`CREATE TABLE IF NOT EXISTS access_keys (
				access_key TEXT PRIMARY KEY,
				email TEXT,
				customer_ref TEXT,
				status TEXT NOT NULL,
				sub_from_ms INTEGER NOT NULL,
				sub_to_ms INTEGER NOT NULL,
				login_count INTEGER NOT NULL DEFAULT 0,
				session_ids TEXT NOT NULL DEFAULT '[]',
				version INTEGER NOT NULL DEFAULT 1,
				created_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_access_keys_customer ON access_keys(customer_ref)`,
			`CREATE INDEX IF NOT EXISTS idx_access_keys_email ON access_keys(email)`,
			`CREATE TABLE IF NOT EXISTS identity_claims (
				claim_field TEXT NOT NULL,
				claim_value TEXT NOT NULL,
				access_key TEXT NOT NULL,
				PRIMARY KEY (claim_field, claim_value)
			)`,
		},
	},
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		limit:      standardLimit,
		migrations: []string{
			`CREATE TABLE IF NOT EXISTS access_keys (
				access_key VARCHAR(64) PRIMARY KEY,
				email VARCHAR(320),
				customer_ref VARCHAR(255),
				status VARCHAR(16) NOT NULL,
				sub_from_ms BIGINT NOT NULL,
				sub_to_ms BIGINT NOT NULL,
				login_count INTEGER NOT NULL DEFAULT 0,
				session_ids TEXT NOT NULL DEFAULT '[]',
				version BIGINT NOT NULL DEFAULT 1,
				created_at_ms BIGINT NOT NULL,
				updated_at_ms BIGINT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_access_keys_customer ON access_keys(customer_ref)`,
			`CREATE INDEX IF NOT EXISTS idx_access_keys_email ON access_keys(email)`,
			`CREATE TABLE IF NOT EXISTS identity_claims (
				claim_field VARCHAR(32) NOT NULL,
				claim_value VARCHAR(320) NOT NULL,
				access_key VARCHAR(64) NOT NULL,
				PRIMARY KEY (claim_field, claim_value)
			)`,
		},
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		limit:      standardLimit,
		migrations: []string{
			// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are inline.
			`CREATE TABLE IF NOT EXISTS access_keys (
				access_key VARCHAR(64) NOT NULL PRIMARY KEY,
				email VARCHAR(320) NULL,
				customer_ref VARCHAR(255) NULL,
				status VARCHAR(16) NOT NULL,
				sub_from_ms BIGINT NOT NULL,
				sub_to_ms BIGINT NOT NULL,
				login_count INT NOT NULL DEFAULT 0,
				session_ids TEXT NOT NULL,
				version BIGINT NOT NULL DEFAULT 1,
				created_at_ms BIGINT NOT NULL,
				updated_at_ms BIGINT NOT NULL,
				UNIQUE KEY idx_access_keys_customer (customer_ref),
				KEY idx_access_keys_email (email)
			)`,
			`CREATE TABLE IF NOT EXISTS identity_claims (
				claim_field VARCHAR(32) NOT NULL,
				claim_value VARCHAR(320) NOT NULL,
				access_key VARCHAR(64) NOT NULL,
				PRIMARY KEY (claim_field, claim_value)
			)`,
		},
	},
	"mssql": {
		name:       "mssql",
		driverName: "sqlserver",
		limit: func(n int) string {
			return fmt.Sprintf(" OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", n)
		},
		migrations: []string{
			`IF OBJECT_ID(N'access_keys', N'U') IS NULL
			CREATE TABLE access_keys (
				access_key NVARCHAR(64) NOT NULL PRIMARY KEY,
				email NVARCHAR(320) NULL,
				customer_ref NVARCHAR(255) NULL,
				status NVARCHAR(16) NOT NULL,
				sub_from_ms BIGINT NOT NULL,
				sub_to_ms BIGINT NOT NULL,
				login_count INT NOT NULL DEFAULT 0,
				session_ids NVARCHAR(MAX) NOT NULL,
				version BIGINT NOT NULL DEFAULT 1,
				created_at_ms BIGINT NOT NULL,
				updated_at_ms BIGINT NOT NULL
			)`,
			// SQL Server unique indexes admit a single NULL unless filtered.
			`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_access_keys_customer')
			CREATE UNIQUE INDEX idx_access_keys_customer ON access_keys(customer_ref) WHERE customer_ref IS NOT NULL`,
			`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_access_keys_email')
			CREATE INDEX idx_access_keys_email ON access_keys(email)`,
			`IF OBJECT_ID(N'identity_claims', N'U') IS NULL
			CREATE TABLE identity_claims (
				claim_field NVARCHAR(32) NOT NULL,
				claim_value NVARCHAR(320) NOT NULL,
				access_key NVARCHAR(64) NOT NULL,
				PRIMARY KEY (claim_field, claim_value)
			)`,
		},
	},
	"oracle": {
		name:         "oracle",
		driverName:   "oracle",
		aliasColumns: true,
		limit: func(n int) string {
			return fmt.Sprintf(" FETCH FIRST %d ROWS ONLY", n)
		},
		migrations: []string{
			`CREATE TABLE access_keys (
				access_key VARCHAR2(64) PRIMARY KEY,
				email VARCHAR2(320),
				customer_ref VARCHAR2(255),
				status VARCHAR2(16) NOT NULL,
				sub_from_ms NUMBER(19) NOT NULL,
				sub_to_ms NUMBER(19) NOT NULL,
				login_count NUMBER(10) DEFAULT 0 NOT NULL,
				session_ids VARCHAR2(4000) NOT NULL,
				version NUMBER(19) DEFAULT 1 NOT NULL,
				created_at_ms NUMBER(19) NOT NULL,
				updated_at_ms NUMBER(19) NOT NULL
			)`,
			`CREATE UNIQUE INDEX idx_access_keys_customer ON access_keys(customer_ref)`,
			`CREATE INDEX idx_access_keys_email ON access_keys(email)`,
			`CREATE TABLE identity_claims (
				claim_field VARCHAR2(32) NOT NULL,
				claim_value VARCHAR2(320) NOT NULL,
				access_key VARCHAR2(64) NOT NULL,
				PRIMARY KEY (claim_field, claim_value)
			)`,
		},
	},
}

// Dialects returns the driver names this package can open.
func Dialects() []string {
	return []string{"sqlite", "postgres", "mysql", "mssql", "oracle"}
}

var columns = []string{
	"access_key", "email", "customer_ref", "status", "sub_from_ms", "sub_to_ms",
	"login_count", "session_ids", "version", "created_at_ms", "updated_at_ms",
}

// selectList returns the column list for SELECT statements.
func (d dialect) selectList() string {
	if !d.aliasColumns {
		return strings.Join(columns, ", ")
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + ` AS "` + c + `"`
	}
	return strings.Join(parts, ", ")
}

// isAlreadyExists reports whether a DDL error means the object is already
// there, which makes re-running a migration a no-op.
func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "ora-00955") ||
		strings.Contains(msg, "ora-01408") ||
		strings.Contains(msg, "duplicate key name")
}

// isDuplicate reports whether err is a unique constraint violation.
func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "violation of unique") ||
		strings.Contains(msg, "violation of primary key") ||
		strings.Contains(msg, "ora-00001") ||
		strings.Contains(msg, "sqlstate 23505")
}
