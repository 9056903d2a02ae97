package db

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/litepool/internal/db/dialect"
)

// Row maps column names to values for BulkInsert.Add.
type Row map[string]any

// BulkOption configures a BulkInsert.
type BulkOption func(*BulkInsert)

// WithConflict adds a conflict clause, e.g. "OR IGNORE" or "OR REPLACE".
func WithConflict(clause string) BulkOption {
	return func(b *BulkInsert) { b.conflict = clause }
}

// WithMaxBindParameters overrides the per-statement bind parameter ceiling.
func WithMaxBindParameters(n int) BulkOption {
	return func(b *BulkInsert) {
		if n > 0 {
			b.maxBind = n
		}
	}
}

// BulkInsert buffers rows for one table and writes them in multi-row
// INSERT statements, each sized so its bind parameters stay under the
// engine limit. Full batches are written as soon as they fill; the rest is
// written by Flush or by the owning transaction's Commit. Because every
// batch runs inside the same transaction, the insert is all-or-nothing.
type BulkInsert struct {
	g        *guard
	table    string
	columns  []string
	index    map[string]int
	conflict string
	maxBind  int

	batchRows int
	fullSQL   string
	buf       []any
	rows      int

	inserted int64
	batches  int
}

// BulkInsert starts a buffered insert into table. Pending rows are flushed
// automatically on Commit, in the order builders were created.
func (g *guard) BulkInsert(table string, columns []string, opts ...BulkOption) (*BulkInsert, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: bulk insert into %s needs at least one column", ErrRowShape, table)
	}

	b := &BulkInsert{
		g:       g,
		table:   table,
		columns: append([]string(nil), columns...),
		index:   make(map[string]int, len(columns)),
		maxBind: g.maxBind,
	}
	for i, c := range columns {
		if _, dup := b.index[c]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrRowShape, c)
		}
		b.index[c] = i
	}
	for _, opt := range opts {
		opt(b)
	}
	b.batchRows = BatchRows(b.maxBind, 0, len(columns))
	b.buf = make([]any, 0, b.batchRows*len(columns))

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return nil, g.resolvedErr()
	}
	g.pending = append(g.pending, b)
	return b, nil
}

// BatchRows returns how many rows of cols values fit in one statement when
// fixed parameters are already bound. It is never less than one.
func BatchRows(maxBind, fixed, cols int) int {
	if cols <= 0 {
		return 1
	}
	n := (maxBind - fixed) / cols
	if n < 1 {
		return 1
	}
	return n
}

// Columns returns the declared column order.
func (b *BulkInsert) Columns() []string { return append([]string(nil), b.columns...) }

// BatchRows returns the number of rows written per statement.
func (b *BulkInsert) BatchRows() int { return b.batchRows }

// Add buffers one row. A row whose keys differ from the declared columns
// fails with ErrRowShape and rolls the transaction back.
func (b *BulkInsert) Add(ctx context.Context, row Row) error {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	if b.g.state != TxActive {
		return b.g.resolvedErr()
	}

	if len(row) != len(b.columns) {
		return b.shapeErr(fmt.Errorf("%w: got %d values for %d columns", ErrRowShape, len(row), len(b.columns)))
	}
	start := len(b.buf)
	b.buf = b.buf[:start+len(b.columns)]
	for col, v := range row {
		i, ok := b.index[col]
		if !ok {
			b.buf = b.buf[:start]
			return b.shapeErr(fmt.Errorf("%w: unknown column %q", ErrRowShape, col))
		}
		b.buf[start+i] = v
	}
	return b.pushedLocked(ctx)
}

// AddValues buffers one row given positionally in column order.
func (b *BulkInsert) AddValues(ctx context.Context, values ...any) error {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	if b.g.state != TxActive {
		return b.g.resolvedErr()
	}
	if len(values) != len(b.columns) {
		return b.shapeErr(fmt.Errorf("%w: got %d values for %d columns", ErrRowShape, len(values), len(b.columns)))
	}
	b.buf = append(b.buf, values...)
	return b.pushedLocked(ctx)
}

func (b *BulkInsert) shapeErr(err error) error {
	_ = b.g.rollbackLocked()
	return err
}

func (b *BulkInsert) pushedLocked(ctx context.Context) error {
	b.rows++
	if b.rows >= b.batchRows {
		return b.flushLocked(ctx)
	}
	return nil
}

// Flush writes any buffered rows now.
func (b *BulkInsert) Flush(ctx context.Context) error {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *BulkInsert) flushLocked(ctx context.Context) error {
	if b.rows == 0 {
		return nil
	}

	var query string
	if b.rows == b.batchRows && b.fullSQL != "" {
		query = b.fullSQL
	} else {
		query = b.g.Rebind(dialect.InsertStatement(b.table, b.columns, b.rows, b.conflict))
		if b.rows == b.batchRows {
			b.fullSQL = query
		}
	}

	res, err := b.g.execLocked(ctx, query, b.buf...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = int64(b.rows)
	}
	b.inserted += affected
	b.batches++
	b.g.logger.Debug("bulk insert batch",
		zap.String("table", b.table),
		zap.Int("rows", b.rows),
		zap.Int("batch", b.batches))

	b.buf = b.buf[:0]
	b.rows = 0
	return nil
}

// Inserted returns the number of rows the engine reported written so far.
func (b *BulkInsert) Inserted() int64 {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	return b.inserted
}

// Batches returns the number of statements executed so far.
func (b *BulkInsert) Batches() int {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	return b.batches
}

// BatchedValues runs one statement template over many rows, splitting the
// rows so each statement stays under the bind parameter ceiling. The
// template receives the VALUES clause for a batch, e.g.
//
//	NewBatchedValues(func(values string) string {
//		return "WITH input(id, name) AS (" + values + ") SELECT ... WHERE x = ?"
//	}).BindPost(x)
//
// Pre parameters are bound before the values and post parameters after.
type BatchedValues struct {
	build     func(values string) string
	pre, post []any
	batchSize int
	maxBind   int
}

// NewBatchedValues creates a batched statement from a template.
func NewBatchedValues(build func(values string) string) *BatchedValues {
	return &BatchedValues{build: build}
}

// BindPre binds parameters that appear before the VALUES clause.
func (v *BatchedValues) BindPre(args ...any) *BatchedValues {
	v.pre = append(v.pre, args...)
	return v
}

// BindPost binds parameters that appear after the VALUES clause.
func (v *BatchedValues) BindPost(args ...any) *BatchedValues {
	v.post = append(v.post, args...)
	return v
}

// BatchSize caps rows per statement below the bind limit.
func (v *BatchedValues) BatchSize(n int) *BatchedValues {
	v.batchSize = n
	return v
}

// MaxBindParameters overrides the per-statement bind parameter ceiling.
func (v *BatchedValues) MaxBindParameters(n int) *BatchedValues {
	v.maxBind = n
	return v
}

// batches splits rows and yields each statement with its arguments.
func (v *BatchedValues) batches(maxBind int, rows [][]any, fn func(query string, args []any) error) error {
	if len(rows) == 0 {
		return nil
	}
	cols := len(rows[0])
	if cols == 0 {
		return fmt.Errorf("%w: rows have no values", ErrRowShape)
	}
	for i, r := range rows {
		if len(r) != cols {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrRowShape, i, len(r), cols)
		}
	}
	if v.maxBind > 0 {
		maxBind = v.maxBind
	}
	per := BatchRows(maxBind, len(v.pre)+len(v.post), cols)
	if v.batchSize > 0 && v.batchSize < per {
		per = v.batchSize
	}

	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		chunk := rows[start:end]
		args := make([]any, 0, len(v.pre)+len(chunk)*cols+len(v.post))
		args = append(args, v.pre...)
		for _, r := range chunk {
			args = append(args, r...)
		}
		args = append(args, v.post...)
		query := strings.TrimSpace(v.build(dialect.ValuesClause(cols, len(chunk))))
		if err := fn(query, args); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs the statement for all rows inside tx and returns the total
// number of affected rows. Any failure rolls tx back.
func (v *BatchedValues) Exec(ctx context.Context, tx *Tx, rows [][]any) (int64, error) {
	g := tx.guard
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return 0, g.resolvedErr()
	}

	var total int64
	err := v.batches(g.maxBind, rows, func(query string, args []any) error {
		res, err := g.execLocked(ctx, g.Rebind(query), args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
		return nil
	})
	if err != nil {
		if g.state == TxActive {
			_ = g.rollbackLocked()
		}
		return total, err
	}
	return total, nil
}

// SelectBatched runs a batched query inside tx and concatenates the rows
// of every batch, in batch order.
func SelectBatched[T any](ctx context.Context, tx *Tx, v *BatchedValues, rows [][]any) ([]T, error) {
	g := tx.guard
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != TxActive {
		return nil, g.resolvedErr()
	}

	var out []T
	err := v.batches(g.maxBind, rows, func(query string, args []any) error {
		var batch []T
		if err := g.selectLocked(ctx, &batch, g.Rebind(query), args...); err != nil {
			return err
		}
		out = append(out, batch...)
		return nil
	})
	if err != nil {
		if g.state == TxActive {
			_ = g.rollbackLocked()
		}
		return nil, err
	}
	return out, nil
}
