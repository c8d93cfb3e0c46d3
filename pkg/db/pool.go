// Package db wraps database/sql with a validated connection pool shared
// by the partitioned machine stores.
package db

import (
	"context"
	"database/sql"
	"time"
)

// PoolConfig configures the connection pool backing a store.
type PoolConfig struct {
	// DSN is the database connection string.
	DSN string

	// DriverName is the registered database/sql driver ("postgres",
	// "sqlite3").
	DriverName string

	// MaxOpenConns caps concurrent connections.
	MaxOpenConns int

	// MaxIdleConns caps idle connections kept warm.
	MaxIdleConns int

	// ConnMaxLifetime bounds how long a connection may be reused.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime bounds how long a connection may sit idle.
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns defaults sized for a single store.
func DefaultPoolConfig(dsn, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Error is a pool-level error with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Pool is a validated wrapper around *sql.DB.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// NewPool opens and verifies a connection pool. Configuration errors and
// unreachable databases are reported immediately.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.DSN == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "DSN cannot be empty"}
	}
	if config.DriverName == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "DriverName cannot be empty"}
	}
	if config.MaxOpenConns <= 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxOpenConns must be positive"}
	}
	if config.MaxIdleConns < 0 || config.MaxIdleConns > config.MaxOpenConns {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns must be in [0, MaxOpenConns]"}
	}
	if config.ConnMaxLifetime < 0 || config.ConnMaxIdleTime < 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "connection lifetimes cannot be negative"}
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Pool{db: db, config: config}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB {
	if p == nil || p.db == nil {
		panic("pool not initialized")
	}
	return p.db
}

// Close closes the pool.
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.Close()
}

// Ping verifies connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.PingContext(ctx)
}

// Stats exposes pool statistics for the metrics layer.
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}

// Query executes a query that returns rows.
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if p == nil || p.db == nil {
		return nil, &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a single-row query.
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if p == nil || p.db == nil {
		panic("pool not initialized")
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

// Exec executes a statement.
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if p == nil || p.db == nil {
		return nil, &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return p.db.ExecContext(ctx, query, args...)
}

// Begin starts a transaction.
func (p *Pool) Begin(ctx context.Context) (*sql.Tx, error) {
	if p == nil || p.db == nil {
		return nil, &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.BeginTx(ctx, nil)
}
