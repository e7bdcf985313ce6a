// Package store implements the SQL-backed collaborators of the ingestion
// pipeline: settings, accounts, roles, emails and attachments.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// Every connection to ":memory:" is a separate database, and SQLite
		// serializes writers anyway.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	stmts := sqliteSchema
	if db.DriverName() == DriverPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS setting (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS role (
		role_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		name           TEXT NOT NULL DEFAULT '',
		ban_email      TEXT NOT NULL DEFAULT '',
		ban_email_type TEXT NOT NULL DEFAULT 'ALL',
		avail_domain   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		email   TEXT NOT NULL DEFAULT '',
		role_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS account (
		account_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL,
		email      TEXT NOT NULL,
		is_del     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_account_email ON account (email)`,
	`CREATE TABLE IF NOT EXISTS email (
		email_id    INTEGER PRIMARY KEY AUTOINCREMENT,
		send_email  TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL DEFAULT '',
		account_id  INTEGER NOT NULL DEFAULT 0,
		user_id     INTEGER NOT NULL DEFAULT 0,
		subject     TEXT NOT NULL DEFAULT '',
		content     TEXT NOT NULL DEFAULT '',
		text        TEXT NOT NULL DEFAULT '',
		cc          TEXT NOT NULL DEFAULT '[]',
		bcc         TEXT NOT NULL DEFAULT '[]',
		recipient   TEXT NOT NULL DEFAULT '[]',
		to_email    TEXT NOT NULL DEFAULT '',
		to_name     TEXT NOT NULL DEFAULT '',
		in_reply_to TEXT NOT NULL DEFAULT '',
		relation    TEXT NOT NULL DEFAULT '',
		message_id  TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		is_del      INTEGER NOT NULL DEFAULT 0,
		create_time TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attachment (
		att_id      INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id    INTEGER NOT NULL,
		user_id     INTEGER NOT NULL DEFAULT 0,
		account_id  INTEGER NOT NULL DEFAULT 0,
		key         TEXT NOT NULL,
		filename    TEXT NOT NULL DEFAULT '',
		mime_type   TEXT NOT NULL DEFAULT '',
		size        INTEGER NOT NULL DEFAULT 0,
		content_id  TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL DEFAULT 'attachment',
		create_time TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachment_email ON attachment (email_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS setting (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS role (
		role_id        BIGSERIAL PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		ban_email      TEXT NOT NULL DEFAULT '',
		ban_email_type TEXT NOT NULL DEFAULT 'ALL',
		avail_domain   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id BIGSERIAL PRIMARY KEY,
		email   TEXT NOT NULL DEFAULT '',
		role_id BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS account (
		account_id BIGSERIAL PRIMARY KEY,
		user_id    BIGINT NOT NULL,
		email      TEXT NOT NULL,
		is_del     SMALLINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_account_email ON account (lower(email))`,
	`CREATE TABLE IF NOT EXISTS email (
		email_id    BIGSERIAL PRIMARY KEY,
		send_email  TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL DEFAULT '',
		account_id  BIGINT NOT NULL DEFAULT 0,
		user_id     BIGINT NOT NULL DEFAULT 0,
		subject     TEXT NOT NULL DEFAULT '',
		content     TEXT NOT NULL DEFAULT '',
		text        TEXT NOT NULL DEFAULT '',
		cc          TEXT NOT NULL DEFAULT '[]',
		bcc         TEXT NOT NULL DEFAULT '[]',
		recipient   TEXT NOT NULL DEFAULT '[]',
		to_email    TEXT NOT NULL DEFAULT '',
		to_name     TEXT NOT NULL DEFAULT '',
		in_reply_to TEXT NOT NULL DEFAULT '',
		relation    TEXT NOT NULL DEFAULT '',
		message_id  TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		is_del      SMALLINT NOT NULL DEFAULT 0,
		create_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attachment (
		att_id      BIGSERIAL PRIMARY KEY,
		email_id    BIGINT NOT NULL,
		user_id     BIGINT NOT NULL DEFAULT 0,
		account_id  BIGINT NOT NULL DEFAULT 0,
		key         TEXT NOT NULL,
		filename    TEXT NOT NULL DEFAULT '',
		mime_type   TEXT NOT NULL DEFAULT '',
		size        BIGINT NOT NULL DEFAULT 0,
		content_id  TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL DEFAULT 'attachment',
		create_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachment_email ON attachment (email_id)`,
}
