// Package storage implements the message store on SQL databases. SQLite is
// the default; PostgreSQL is supported for shared deployments.
package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps a *sql.DB and hides the placeholder differences between drivers.
// Queries are written with ? placeholders.
type DB struct {
	sql    *sql.DB
	driver string
}

// Open connects, pings and runs migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, errors.Errorf("storage: unsupported driver %q", driver)
	}

	s, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open")
	}
	if driver == DriverSQLite {
		// one writer; avoids SQLITE_BUSY between pooled connections
		s.SetMaxOpenConns(1)
	} else {
		s.SetMaxOpenConns(10)
		s.SetMaxIdleConns(5)
		s.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.PingContext(pingCtx); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "storage: ping")
	}

	d := &DB{sql: s, driver: driver}
	if err := d.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Driver() string { return d.driver }

func (d *DB) migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if d.driver == DriverPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "storage: migrate")
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_login TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		content TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL,
		delivered BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient_delivered ON messages(recipient, delivered, sent_at);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_login TIMESTAMPTZ
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		content VARCHAR(1000) NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL,
		delivered BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient_delivered ON messages(recipient, delivered, sent_at);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);`,
}

// ExecContext runs a statement written with ? placeholders.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, d.rebind(query), args...)
}

// QueryContext runs a query written with ? placeholders.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, d.rebind(query), args...)
}

// QueryRowContext runs a single-row query written with ? placeholders.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, d.rebind(query), args...)
}

// rebind turns ? placeholders into $n for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique constraint failure from
// either driver.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}
