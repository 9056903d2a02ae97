// Package db manages the two connection pools of a single database: a
// read pool of concurrent read-only connections and a write pool, by
// default of size one, whose connections are only handed out inside
// transactions. With SQLite in WAL mode readers never block on the
// writer, and writes are serialized in arrival order.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/litepool/internal/common/config"
	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/common/tracing"
	"github.com/kandev/litepool/internal/db/dialect"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger *logger.Logger
	tracer trace.Tracer
	inits  []ConnInitFunc
}

// WithLogger sets the logger; it defaults to logger.Default().
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithTracer sets the tracer used for acquire and commit spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithConnInit adds a hook run on every new connection of both pools.
func WithConnInit(fn ConnInitFunc) Option {
	return func(o *options) { o.inits = append(o.inits, fn) }
}

// Stats groups the snapshots of both pools.
type Stats struct {
	Read  PoolStats `json:"read"`
	Write PoolStats `json:"write"`
}

// Manager owns the read and write pools for one database.
type Manager struct {
	driver  string
	target  string
	maxBind int
	retry   RetryPolicy
	logger  *logger.Logger
	tracer  trace.Tracer

	readDB  *sqlx.DB
	writeDB *sqlx.DB
	read    *Pool[*Conn]
	write   *Pool[*Conn]
}

// Open validates cfg and creates both pools. The write pool is created
// first and warmed so the database file and its journal mode exist before
// any reader connects. The read pool then opens cfg.MinIdleReaders
// connections; the rest open lazily.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*Manager, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Default()
	}
	if o.tracer == nil {
		o.tracer = tracing.Tracer("litepool-db")
	}
	log := o.logger.WithComponent("db")

	if cfg.Driver == "" {
		cfg.Driver = dialect.SQLite3
	}
	m := &Manager{
		driver:  cfg.Driver,
		maxBind: cfg.MaxBindParameters,
		retry:   RetryPolicyFromConfig(cfg.Retry),
		logger:  log,
		tracer:  o.tracer,
	}
	if m.maxBind <= 0 {
		m.maxBind = dialect.MaxBindParameters(cfg.Driver)
	}

	pragmas := PragmasFromConfig(cfg)
	switch cfg.Driver {
	case dialect.SQLite3:
		if cfg.Path == "" {
			return nil, fmt.Errorf("db: sqlite3 driver requires a path")
		}
		if err := pragmas.validate(); err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		m.target = normalizeSQLitePath(cfg.Path)
		var err error
		if m.writeDB, err = openSQLite(m.target, pragmas, ModeWrite); err != nil {
			return nil, err
		}
		if m.readDB, err = openSQLite(m.target, pragmas, ModeRead); err != nil {
			_ = m.writeDB.Close()
			return nil, err
		}
	case dialect.PGX:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("db: pgx driver requires a dsn")
		}
		m.target = dialect.PGX
		shared, err := openPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		m.writeDB, m.readDB = shared, shared
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}

	seq := &atomic.Uint64{}
	factory := func(db *sqlx.DB, mode Mode) *connFactory {
		return &connFactory{
			db:      db,
			driver:  m.driver,
			target:  m.target,
			mode:    mode,
			pragmas: pragmas,
			inits:   o.inits,
			seq:     seq,
		}
	}
	poolOpts := func(name string, size int) PoolOptions {
		return PoolOptions{
			Name:           name,
			MaxSize:        size,
			AcquireTimeout: cfg.AcquireTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			Logger:         log,
			Tracer:         o.tracer,
		}
	}

	m.write = NewPool[*Conn](factory(m.writeDB, ModeWrite), poolOpts("write", cfg.WritePoolSize))
	warm := cfg.MinIdleWriters
	if warm < 1 && m.driver == dialect.SQLite3 {
		warm = 1
	}
	if err := m.write.Warm(ctx, warm); err != nil {
		m.closeHandles()
		return nil, err
	}
	m.read = NewPool[*Conn](factory(m.readDB, ModeRead), poolOpts("read", cfg.ReadPoolSize))
	if err := m.read.Warm(ctx, cfg.MinIdleReaders); err != nil {
		_ = m.write.Close(ctx)
		m.closeHandles()
		return nil, err
	}

	log.Info("database opened",
		zap.String("driver", m.driver),
		zap.String("target", m.target),
		zap.Int("read_pool_size", cfg.ReadPoolSize),
		zap.Int("write_pool_size", cfg.WritePoolSize),
		zap.Int("idle_readers", m.read.Stats().Idle))
	return m, nil
}

// Driver returns the driver name, dialect.SQLite3 or dialect.PGX.
func (m *Manager) Driver() string { return m.driver }

// MaxBindParameters returns the per-statement bind ceiling used by bulk helpers.
func (m *Manager) MaxBindParameters() int { return m.maxBind }

// Read checks out a read-only connection. Release it when done.
func (m *Manager) Read(ctx context.Context) (*ReadConn, error) {
	conn, err := m.read.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &ReadConn{conn: conn, pool: m.read, retry: m.retry}, nil
}

// ReadFunc runs fn with a read connection and releases it afterwards.
func (m *Manager) ReadFunc(ctx context.Context, fn func(r *ReadConn) error) error {
	r, err := m.Read(ctx)
	if err != nil {
		return err
	}
	defer r.Release()
	return fn(r)
}

// Write checks out the writer connection and begins a transaction on it.
// auth must be one of the defined WriteAuthorization values. Cancelling
// ctx rolls the transaction back.
func (m *Manager) Write(ctx context.Context, auth WriteAuthorization) (*Tx, error) {
	if !auth.Valid() {
		return nil, ErrUnauthorized
	}
	conn, err := m.write.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := retryValue(ctx, m.retry, func() (*sqlx.Tx, error) {
		return conn.raw.BeginTxx(ctx, nil)
	})
	if err != nil {
		m.write.Release(conn)
		return nil, &QueryError{Op: "begin", Err: err}
	}
	return newTx(ctx, m, conn, tx, auth), nil
}

// WriteFunc runs fn in a write transaction and commits if fn returns nil.
// Errors and panics roll back. If fn resolves the transaction itself,
// WriteFunc leaves it as is.
func (m *Manager) WriteFunc(ctx context.Context, auth WriteAuthorization, fn func(tx *Tx) error) error {
	tx, err := m.Write(ctx, auth)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Close()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Close(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if tx.State() != TxActive {
		return nil
	}
	return tx.Commit(ctx)
}

// Stats returns a snapshot of both pools.
func (m *Manager) Stats() Stats {
	return Stats{Read: m.read.Stats(), Write: m.write.Stats()}
}

// Close drains both pools, bounded by ctx, and closes the database. For
// SQLite it first runs PRAGMA optimize on the writer.
func (m *Manager) Close(ctx context.Context) error {
	if m.driver == dialect.SQLite3 {
		m.optimize(ctx)
	}

	var errs []error
	if err := m.read.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.write.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.closeHandles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) optimize(ctx context.Context) {
	conn, err := m.write.Acquire(ctx)
	if err != nil {
		m.logger.Debug("skipping optimize", zap.Error(err))
		return
	}
	if _, err := conn.raw.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		m.logger.Warn("PRAGMA optimize failed", zap.Error(err))
	}
	m.write.Release(conn)
}

func (m *Manager) closeHandles() error {
	err := m.writeDB.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if m.readDB != m.writeDB {
		if rErr := m.readDB.Close(); rErr != nil && err == nil {
			return rErr
		}
	}
	return err
}
