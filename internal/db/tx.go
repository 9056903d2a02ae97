package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/common/tracing"
	"github.com/kandev/litepool/internal/db/dialect"
)

// TxState is the lifecycle state of a write transaction.
type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Tx is a write transaction holding the writer connection. It must end in
// exactly one Commit or Rollback; anything else rolls back:
//
//	tx, err := m.Write(ctx, db.AuthorizedBackgroundJob)
//	if err != nil {
//		return err
//	}
//	defer tx.Close()
//	...
//	return tx.Commit(ctx)
//
// A statement error rolls the transaction back before it is returned, and
// so does cancellation of the context passed to Manager.Write. A Tx that
// becomes unreachable while active is rolled back by the garbage collector.
type Tx struct {
	*guard
}

// guard holds the state of a Tx. It is kept separate so the cleanup
// registered on Tx can reach it without keeping Tx alive.
type guard struct {
	mu      sync.Mutex
	state   TxState
	tx      *sqlx.Tx
	conn    *Conn
	pool    *Pool[*Conn]
	retry   RetryPolicy
	driver  string
	maxBind int
	auth    WriteAuthorization
	logger  *logger.Logger
	tracer  trace.Tracer

	pending []*BulkInsert
	hooks   []func(context.Context)
	stop    func() bool
}

func newTx(ctx context.Context, m *Manager, conn *Conn, tx *sqlx.Tx, auth WriteAuthorization) *Tx {
	g := &guard{
		tx:      tx,
		conn:    conn,
		pool:    m.write,
		retry:   m.retry,
		driver:  m.driver,
		maxBind: m.maxBind,
		auth:    auth,
		tracer:  m.tracer,
		logger:  m.logger.WithConn(m.write.Name(), conn.ID()).WithFields(zap.String("auth", auth.String())),
	}
	g.stop = context.AfterFunc(ctx, func() {
		g.abandon("context done")
	})

	t := &Tx{guard: g}
	runtime.AddCleanup(t, func(g *guard) { g.abandon("transaction dropped") }, g)
	return t
}

// abandon rolls back an active transaction nobody resolved.
func (g *guard) abandon(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return
	}
	g.logger.Debug("rolling back unresolved transaction", zap.String("reason", reason))
	_ = g.rollbackLocked()
}

// State reports whether the transaction is active, committed or rolled back.
func (g *guard) State() TxState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Authorization returns the authorization the transaction was opened with.
func (g *guard) Authorization() WriteAuthorization { return g.auth }

// Driver returns the database driver name.
func (g *guard) Driver() string { return g.driver }

// Rebind converts '?' placeholders to the driver's bind style.
func (g *guard) Rebind(query string) string { return dialect.Rebind(g.driver, query) }

func (g *guard) resolvedErr() error {
	return fmt.Errorf("%w: transaction already %s", ErrAlreadyResolved, g.state)
}

// Commit flushes pending bulk inserts, commits and returns the connection
// to the write pool. Hooks registered with OnCommit run after a successful
// commit. On failure the transaction is rolled back.
func (g *guard) Commit(ctx context.Context) error {
	g.mu.Lock()
	if g.state != TxActive {
		err := g.resolvedErr()
		g.mu.Unlock()
		return err
	}

	for _, b := range g.pending {
		if err := b.flushLocked(ctx); err != nil {
			g.mu.Unlock()
			return err
		}
	}
	g.pending = nil

	_, span := tracing.StartPoolSpan(ctx, g.tracer, "commit", g.pool.Name())
	err := g.tx.Commit()
	tracing.End(span, err)
	if g.stop != nil {
		g.stop()
	}
	if err != nil {
		// The engine may still hold the transaction open; never reuse the
		// connection after a failed commit.
		g.state = TxRolledBack
		_ = g.tx.Rollback()
		g.pool.Discard(g.conn)
		g.mu.Unlock()
		return &QueryError{Op: "commit", Err: err}
	}
	g.state = TxCommitted
	g.pool.Release(g.conn)
	hooks := g.hooks
	g.hooks = nil
	g.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

// Rollback discards all changes and returns the connection to the pool.
func (g *guard) Rollback() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return g.resolvedErr()
	}
	return g.rollbackLocked()
}

// Close rolls back if the transaction is still active. It is safe to defer
// unconditionally.
func (g *guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return nil
	}
	return g.rollbackLocked()
}

func (g *guard) rollbackLocked() error {
	g.state = TxRolledBack
	g.pending = nil
	g.hooks = nil
	if g.stop != nil {
		g.stop()
	}

	err := g.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		g.logger.Warn("rollback failed, discarding connection", zap.Error(err))
		g.pool.Discard(g.conn)
		return &QueryError{Op: "rollback", Err: err}
	}
	g.pool.Release(g.conn)
	return nil
}

// OnCommit registers fn to run after the transaction commits. It is not
// called if the transaction rolls back.
func (g *guard) OnCommit(fn func(ctx context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == TxActive {
		g.hooks = append(g.hooks, fn)
	}
}

// fail rolls back after a statement error and wraps it. Callers hold g.mu.
func (g *guard) fail(op, query string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if g.state == TxActive {
		_ = g.rollbackLocked()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &QueryError{Op: op, Query: query, Err: err}
}

func (g *guard) execLocked(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if g.state != TxActive {
		return nil, g.resolvedErr()
	}
	res, err := retryValue(ctx, g.retry, func() (sql.Result, error) {
		return g.tx.ExecContext(ctx, query, args...)
	})
	if err != nil {
		return nil, g.fail("exec", query, err)
	}
	return res, nil
}

// Exec runs a statement inside the transaction.
func (g *guard) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.execLocked(ctx, query, args...)
}

// ExecScript runs a multi-statement script once, without retries, since a
// partially applied script cannot be safely repeated.
func (g *guard) ExecScript(ctx context.Context, script string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return g.resolvedErr()
	}
	if _, err := g.tx.ExecContext(ctx, script); err != nil {
		return g.fail("script", script, err)
	}
	return nil
}

// NamedExec runs a statement with :name parameters bound from arg.
func (g *guard) NamedExec(ctx context.Context, query string, arg any) (sql.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return nil, g.resolvedErr()
	}
	res, err := retryValue(ctx, g.retry, func() (sql.Result, error) {
		return g.tx.NamedExecContext(ctx, query, arg)
	})
	if err != nil {
		return nil, g.fail("exec", query, err)
	}
	return res, nil
}

// Get scans a single row into dest. sql.ErrNoRows does not roll back.
func (g *guard) Get(ctx context.Context, dest any, query string, args ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return g.resolvedErr()
	}
	err := g.retry.Do(ctx, func() error {
		return g.tx.GetContext(ctx, dest, query, args...)
	})
	if err != nil {
		return g.fail("get", query, err)
	}
	return nil
}

// Select scans all rows into dest, which must be a pointer to a slice.
func (g *guard) Select(ctx context.Context, dest any, query string, args ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selectLocked(ctx, dest, query, args...)
}

func (g *guard) selectLocked(ctx context.Context, dest any, query string, args ...any) error {
	if g.state != TxActive {
		return g.resolvedErr()
	}
	err := g.retry.Do(ctx, func() error {
		return g.tx.SelectContext(ctx, dest, query, args...)
	})
	if err != nil {
		return g.fail("select", query, err)
	}
	return nil
}

// InsertReturningID executes an INSERT and returns the generated id. On
// Postgres "RETURNING id" is appended; SQLite uses LastInsertId.
func (g *guard) InsertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return 0, g.resolvedErr()
	}

	query = g.Rebind(query)
	if dialect.IsPostgres(g.driver) {
		query += " RETURNING id"
		var id int64
		err := g.retry.Do(ctx, func() error {
			return g.tx.QueryRowxContext(ctx, query, args...).Scan(&id)
		})
		if err != nil {
			return 0, g.fail("insert", query, err)
		}
		return id, nil
	}

	res, err := g.execLocked(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, g.fail("insert", query, err)
	}
	return id, nil
}
