package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// Sentinel errors for connection management.
var (
	// ErrNoDatabaseConnection is returned when a store is constructed without
	// a database connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrInvalidConfig is returned when connection configuration fails validation.
	ErrInvalidConfig = errors.New("invalid storage configuration")
)

// Connection wraps the shared *sql.DB pool with configured limits.
//
// The pool is the only shared mutable resource in the service; every write
// goes through transactional, idempotent store operations, so concurrent
// tenant pollers need no application-level locking beyond the leadership lock.
type Connection struct {
	db *sql.DB
}

// NewConnection opens a pooled PostgreSQL connection and verifies it with a ping.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{db: db}, nil
}

// WrapDB wraps an existing *sql.DB. Used by tests that manage their own pool.
func WrapDB(db *sql.DB) *Connection {
	return &Connection{db: db}
}

// BeginTx starts a transaction on the pool.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// ExecContext executes a statement on the pool.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the pool.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the pool.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// Session checks out a dedicated connection from the pool. The caller owns it
// for its lifetime; session-scoped state (advisory locks, temp tables bound to
// the session) lives and dies with it.
func (c *Connection) Session(ctx context.Context) (*sql.Conn, error) {
	return c.db.Conn(ctx)
}

// HealthCheck verifies the pool can reach the database.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close closes the pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.db.Close()
}
