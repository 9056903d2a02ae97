package db

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/litepool/internal/db/dialect"
)

// Mode selects which pool a connection belongs to.
type Mode int

const (
	ModeRead Mode = iota + 1
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ConnInitFunc runs once on every freshly opened connection, after pragmas.
// A non-nil error discards the connection.
type ConnInitFunc func(ctx context.Context, conn *sqlx.Conn, mode Mode) error

// Conn is one pooled engine connection together with its open parameters.
type Conn struct {
	raw     *sqlx.Conn
	id      uint64
	mode    Mode
	target  string
	pragmas map[string]string
}

// ID is a process-unique sequence number, useful in logs.
func (c *Conn) ID() uint64 { return c.id }

// Mode reports whether c belongs to the read or the write pool.
func (c *Conn) Mode() Mode { return c.mode }

// Target is the database path (SQLite) or driver name (Postgres).
func (c *Conn) Target() string { return c.target }

// Pragmas returns the settings applied when the connection was opened.
func (c *Conn) Pragmas() map[string]string {
	out := make(map[string]string, len(c.pragmas))
	for k, v := range c.pragmas {
		out[k] = v
	}
	return out
}

// connFactory opens Conns for one pool. It implements Factory[*Conn].
type connFactory struct {
	db      *sqlx.DB
	driver  string
	target  string
	mode    Mode
	pragmas Pragmas
	inits   []ConnInitFunc
	seq     *atomic.Uint64
}

func (f *connFactory) Open(ctx context.Context) (*Conn, error) {
	raw, err := f.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	conn := &Conn{raw: raw, id: f.seq.Add(1), mode: f.mode, target: f.target}

	if err := f.prepare(ctx, conn); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func (f *connFactory) prepare(ctx context.Context, conn *Conn) error {
	if dialect.IsPostgres(f.driver) {
		if err := postgresReadOnly(ctx, conn.raw, f.mode); err != nil {
			return fmt.Errorf("read-only session: %w", err)
		}
	} else {
		applied, err := f.pragmas.applyExtra(ctx, conn.raw, f.mode)
		if err != nil {
			return err
		}
		conn.pragmas = applied
		if f.mode == ModeRead {
			if err := verifyReadOnly(ctx, conn.raw); err != nil {
				return err
			}
		}
	}

	for _, init := range f.inits {
		if err := init(ctx, conn.raw, f.mode); err != nil {
			return fmt.Errorf("connection init: %w", err)
		}
	}
	return nil
}

// Probe runs a trivial statement to confirm the connection still answers.
func (f *connFactory) Probe(ctx context.Context, conn *Conn) error {
	var one int
	return conn.raw.QueryRowxContext(ctx, "SELECT 1").Scan(&one)
}

func (f *connFactory) Close(conn *Conn) error {
	return conn.raw.Close()
}
