package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"
)

// ReadConn is a connection checked out of the read pool. Release must be
// called exactly once; later calls are no-ops.
type ReadConn struct {
	conn     *Conn
	pool     *Pool[*Conn]
	retry    RetryPolicy
	released sync.Once
}

// Conn exposes the pooled connection's metadata.
func (r *ReadConn) Conn() *Conn { return r.conn }

// Rebind converts '?' placeholders to the driver's bind style.
func (r *ReadConn) Rebind(query string) string { return r.conn.raw.Rebind(query) }

// Get scans a single row into dest. sql.ErrNoRows is returned unwrapped.
func (r *ReadConn) Get(ctx context.Context, dest any, query string, args ...any) error {
	err := r.retry.Do(ctx, func() error {
		return r.conn.raw.GetContext(ctx, dest, query, args...)
	})
	return wrapReadErr("get", query, err)
}

// Select scans all rows into dest, which must be a pointer to a slice.
func (r *ReadConn) Select(ctx context.Context, dest any, query string, args ...any) error {
	err := r.retry.Do(ctx, func() error {
		return r.conn.raw.SelectContext(ctx, dest, query, args...)
	})
	return wrapReadErr("select", query, err)
}

// Queryx runs query and returns the open cursor. The caller closes it
// before Release.
func (r *ReadConn) Queryx(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	rows, err := retryValue(ctx, r.retry, func() (*sqlx.Rows, error) {
		return r.conn.raw.QueryxContext(ctx, query, args...)
	})
	if err != nil {
		return nil, wrapReadErr("query", query, err)
	}
	return rows, nil
}

// Snapshot runs fn inside a read-only transaction so every statement sees
// the same committed state. The transaction is always rolled back.
func (r *ReadConn) Snapshot(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := retryValue(ctx, r.retry, func() (*sqlx.Tx, error) {
		return r.conn.raw.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	})
	if err != nil {
		return &QueryError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

// Release returns the connection to the read pool.
func (r *ReadConn) Release() {
	r.released.Do(func() {
		r.pool.Release(r.conn)
	})
}

func wrapReadErr(op, query string, err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &QueryError{Op: op, Query: query, Err: err}
}
