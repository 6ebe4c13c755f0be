// Package database opens the relational store shared by the job queue,
// migration ledger, preferences and audit log.
package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // Register MySQL driver
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/retry"
)

// Dialect names the SQL engine behind a connection. Production targets are
// MySQL; SQLite backs local runs and tests.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite3"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch name {
	case "", "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", name)
	}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// Concat returns an expression appending b to a, treating NULL a as empty.
func (d Dialect) Concat(a, b string) string {
	if d == SQLite {
		return fmt.Sprintf("IFNULL(%s, '') || %s", a, b)
	}
	return fmt.Sprintf("CONCAT(IFNULL(%s, ''), %s)", a, b)
}

// TableExistsQuery returns a single-placeholder query yielding a row when the
// named table exists.
func (d Dialect) TableExistsQuery() string {
	if d == SQLite {
		return "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
}

// LockClause is appended to a SELECT that must take exclusive row locks.
// SQLite serialises writers at the database level and has no row locks.
func (d Dialect) LockClause() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// NowQuery returns a query yielding the server's current UTC time, or "" when
// the engine runs in-process and the local clock is the server clock.
func (d Dialect) NowQuery() string {
	if d == SQLite {
		return ""
	}
	return "SELECT UTC_TIMESTAMP()"
}

// Options controls pool sizing and the startup ping.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingRetry       retry.Config
}

// DefaultOptions are suitable for the short-lived worker and CLI processes.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		PingRetry:       retry.DefaultConfig,
	}
}

// Open connects to dsn and verifies the connection with a retried ping.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options) (*sqlx.DB, error) {
	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if dialect == SQLite {
		// One connection keeps ":memory:" databases coherent and serialises writers.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	err = retry.Do(ctx, opts.PingRetry, "ping database", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after ping error")
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithField("driver", dialect.DriverName()).Debug("Database connection established")
	return db, nil
}

// TableExists reports whether table exists in the connected schema.
func TableExists(ctx context.Context, db sqlx.QueryerContext, dialect Dialect, table string) (bool, error) {
	rows, err := db.QueryContext(ctx, dialect.TableExistsQuery(), table)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return exists, nil
}
