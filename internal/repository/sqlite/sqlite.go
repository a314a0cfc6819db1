// Package sqlite implements the repository interfaces on SQLite.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// modernc.org/sqlite is a pure Go translation of the SQLite C code, so no C
// compiler needed, cross-compilation just works.
//
// SCHEMA:
//
//	users           one row per account; login and email are UNIQUE
//	usermeta        (user_id, meta_key) → meta_value
//	user_identities (provider, external_id) → user_id, one id per provider per user
//
// The UNIQUE constraints are what keep two concurrent registrations from
// creating duplicate accounts; the services' lookups are only advisory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/user-api/internal/apperror"
)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/user-api.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// SQLite serialises writers anyway. One connection also keeps ":memory:"
	// databases alive: every new pool connection would get its own empty DB.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a write is in progress.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Foreign keys are OFF by default in SQLite.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.Migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate creates the schema. Every statement is idempotent, so it is safe to
// run on every start; the `migrate` command runs it on its own.
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			login             TEXT NOT NULL UNIQUE COLLATE NOCASE,
			email             TEXT UNIQUE COLLATE NOCASE,
			pass_hash         TEXT NOT NULL DEFAULT '',
			display_name      TEXT NOT NULL DEFAULT '',
			nickname          TEXT NOT NULL DEFAULT '',
			nicename          TEXT NOT NULL DEFAULT '',
			url               TEXT NOT NULL DEFAULT '',
			registered        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			activation_key    TEXT NOT NULL DEFAULT '',
			activation_key_at DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS usermeta (
			user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			meta_key   TEXT NOT NULL,
			meta_value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, meta_key)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating usermeta table: %w", err)
	}

	// (provider, external_id) identifies at most one account, and an account
	// has at most one external id per provider.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS user_identities (
			provider    TEXT NOT NULL,
			external_id TEXT NOT NULL,
			user_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			linked_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (provider, external_id),
			UNIQUE (user_id, provider)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating user_identities table: %w", err)
	}

	return nil
}

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure.
func isUniqueViolation(err error) bool {
	var se *sqlitedriver.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// conflictFrom turns a uniqueness violation into apperror.Conflict, naming
// the column from SQLite's "UNIQUE constraint failed: users.email" message.
func conflictFrom(err error, value string) error {
	msg := err.Error()
	field := "account"
	switch {
	case strings.Contains(msg, "users.email"):
		field = "email"
	case strings.Contains(msg, "users.login"):
		field = "login"
	case strings.Contains(msg, "user_identities"):
		field = "identity"
	}
	return apperror.Conflict("account", field, value)
}
