// Package db provides the relational store for evidence runs, control
// evidence, provider credentials and audit events. PostgreSQL (lib/pq) is
// used in hosted deployments; SQLite (modernc) for single-node installs.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

// Dialect identifies the SQL backend.
type Dialect string

const (
	// Postgres is PostgreSQL via lib/pq.
	Postgres Dialect = "postgresql"
	// SQLite is SQLite via modernc.org/sqlite.
	SQLite Dialect = "sqlite"
)

// ErrUnsupportedURL is returned for database URLs with an unknown scheme.
var ErrUnsupportedURL = errors.New("unsupported database URL: expected postgres://, postgresql:// or sqlite:")

// timeLayout is how timestamps are stored in SQLite TEXT columns. Fixed
// width keeps lexical and chronological order the same.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DB wraps a *sql.DB with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open connects to the database named by url. postgres:// and
// postgresql:// URLs use lib/pq; sqlite:<path> (or sqlite::memory:) uses
// modernc SQLite with WAL and a busy timeout.
func Open(ctx context.Context, url string) (*DB, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		conn, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetConnMaxIdleTime(5 * time.Minute)
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		return &DB{DB: conn, dialect: Postgres}, nil

	case strings.HasPrefix(url, "sqlite:"):
		path := strings.TrimPrefix(url, "sqlite:")
		conn, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// One connection: :memory: databases are per connection, and
		// SQLite serializes writers anyway.
		conn.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		if path != ":memory:" {
			pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
		}
		for _, pragma := range pragmas {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("setting %s: %w", pragma, err)
			}
		}
		return &DB{DB: conn, dialect: SQLite}, nil

	default:
		return nil, ErrUnsupportedURL
	}
}

// Dialect returns the backend dialect.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $n placeholders to SQLite's ?n form.
func (d *DB) rebind(query string) string {
	if d.dialect != SQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

// timeArg converts t into the value stored for the dialect.
func (d *DB) timeArg(t time.Time) any {
	if d.dialect == SQLite {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

// nullTimeArg is timeArg for optional timestamps.
func (d *DB) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

func (d *DB) span(ctx context.Context, table string, op tracing.DBOperation) (context.Context, func(error)) {
	return tracing.StartDBSpan(ctx, string(d.dialect), table, op)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
