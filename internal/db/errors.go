package db

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when no connection became available
	// within the pool's acquire timeout.
	ErrPoolExhausted = errors.New("db: pool exhausted")

	// ErrConnectionFailure matches any *ConnectionError.
	ErrConnectionFailure = errors.New("db: connection failure")

	// ErrAlreadyResolved is returned by Commit, Rollback and statement
	// helpers on a transaction that was already committed or rolled back.
	ErrAlreadyResolved = errors.New("db: transaction already resolved")

	// ErrPoolClosed is returned when acquiring from a pool that is shutting down.
	ErrPoolClosed = errors.New("db: pool closed")

	// ErrUnauthorized is returned by Manager.Write when no write
	// authorization was supplied.
	ErrUnauthorized = errors.New("db: write not authorized")

	// ErrRowShape is returned by the bulk builders when a row does not match
	// the declared columns.
	ErrRowShape = errors.New("db: row does not match columns")
)

// ConnectionError reports a failure to open or probe a pooled connection.
// The affected connection is discarded and replaced on next demand.
type ConnectionError struct {
	Pool string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("db: %s pool: %s connection: %v", e.Pool, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is reports ErrConnectionFailure as a match so callers can use errors.Is.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailure }

// QueryError reports a statement the engine rejected. Inside a write
// transaction the transaction has already been rolled back when a
// QueryError is returned.
type QueryError struct {
	Op    string
	Query string
	Err   error
}

const maxQueryInError = 120

func (e *QueryError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("db: %s: %v", e.Op, e.Err)
	}
	q := e.Query
	if len(q) > maxQueryInError {
		q = q[:maxQueryInError] + "..."
	}
	return fmt.Sprintf("db: %s %q: %v", e.Op, q, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
