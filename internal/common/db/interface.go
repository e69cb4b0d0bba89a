package db

import (
	"context"
)

// Database defines the unified interface for relational database operations.
// This abstraction allows switching between different implementations
// (MySQL, SQLite, test fakes) without changing business logic.
type Database interface {
	// Query executes a query that returns rows
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query that returns at most one row
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a query that doesn't return rows
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction executes a function within a database transaction
	// The transaction is committed if fn returns nil, rolled back otherwise
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// Ping verifies the database connection is alive
	Ping(ctx context.Context) error

	// Close closes the database connection
	Close() error
}

// Rows is the result of a query that returns multiple rows
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
	Columns() ([]string, error)
}

// Row is the result of a query that returns at most one row
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Transaction defines operations available within a database transaction
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}
