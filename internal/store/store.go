// Package store persists council report requests and their finished outputs
// in Postgres, and groups the multi-step writes that must execute atomically.
//
// Dependency rule: store imports nothing above it. It never imports api,
// worker, council, or provider — report payloads cross this boundary as raw
// JSON.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Store holds the connection pool. The report lifecycle operations live in
// reports.go.
type Store struct {
	pool *sql.DB
}

// New creates a Store from a live connection pool. The pool must already be
// open and verified (e.g. via PingContext) before calling New.
func New(pool *sql.DB) *Store {
	return &Store{pool: pool}
}

// querier is the subset of *sql.DB and *sql.Tx the report operations use, so
// each operation runs identically inside and outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx begins a transaction, passes it to fn, and commits on success or
// rolls back on any error (including panics).
//
// Serializable isolation is used because the claim operation is a
// read-then-write pattern: two workers may race to claim the same pending
// report, and exactly one must win.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, q querier) error) error {
	tx, err := s.pool.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	// Roll back on panic so the connection is never left in a broken state.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: fn error: %w; rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}
