package db

import (
	"context"
	"database/sql"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/litepool/internal/common/config"
)

func TestTx_CloseWithoutCommitRollsBack(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	func() {
		tx, err := m.Write(ctx, AuthorizedBackgroundJob)
		require.NoError(t, err)
		defer tx.Close()
		_, err = tx.Exec(ctx, "INSERT INTO items (name) VALUES ('dropped')")
		require.NoError(t, err)
	}()

	assert.Equal(t, 0, countItems(t, m))
	assert.Equal(t, 0, m.Stats().Write.InUse)
}

func TestTx_ResolvesExactlyOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tx, err := m.Write(ctx, AuthorizedByCSRF)
	require.NoError(t, err)
	assert.Equal(t, AuthorizedByCSRF, tx.Authorization())
	_, err = tx.Exec(ctx, "INSERT INTO items (name) VALUES ('once')")
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, TxCommitted, tx.State())

	require.ErrorIs(t, tx.Commit(ctx), ErrAlreadyResolved)
	require.ErrorIs(t, tx.Rollback(), ErrAlreadyResolved)
	_, err = tx.Exec(ctx, "INSERT INTO items (name) VALUES ('twice')")
	require.ErrorIs(t, err, ErrAlreadyResolved)
	require.NoError(t, tx.Close())

	assert.Equal(t, 1, countItems(t, m))
}

func TestTx_RollbackThenCommitFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tx, err := m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Equal(t, TxRolledBack, tx.State())
	require.ErrorIs(t, tx.Commit(ctx), ErrAlreadyResolved)
}

func TestTx_StatementErrorRollsBack(t *testing.T) {
	m := newTestManager(t, func(c *config.DatabaseConfig) {
		c.AcquireTimeout = 100 * time.Millisecond
	})
	ctx := context.Background()

	tx, err := m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO items (name) VALUES ('first')")
	require.NoError(t, err)

	_, err = tx.Exec(ctx, "INSERT INTO items (name) VALUES ('first')")
	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "exec", qErr.Op)
	assert.Equal(t, TxRolledBack, tx.State())
	require.ErrorIs(t, tx.Commit(ctx), ErrAlreadyResolved)

	// writer is free again and nothing persisted
	tx2, err := m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
	assert.Equal(t, 0, countItems(t, m))
}

func TestTx_NoRowsKeepsTransaction(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tx, err := m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	defer tx.Close()

	var name string
	err = tx.Get(ctx, &name, "SELECT name FROM items WHERE id = ?", 99)
	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, TxActive, tx.State())
}

func TestTx_ContextCancelRollsBack(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	tx, err := m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO items (name) VALUES ('cancelled')")
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		return tx.State() == TxRolledBack
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, countItems(t, m))
	require.Eventually(t, func() bool {
		return m.Stats().Write.InUse == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.WriteFunc(context.Background(), AuthorizedBackgroundJob, func(tx *Tx) error {
		_, err := tx.Exec(context.Background(), "INSERT INTO items (name) VALUES ('after')")
		return err
	}))
	assert.Equal(t, 1, countItems(t, m))
}

func TestTx_UnreachableIsRolledBack(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	func() {
		tx, err := m.Write(ctx, AuthorizedBackgroundJob)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, "INSERT INTO items (name) VALUES ('leaked')")
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return m.Stats().Write.InUse == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, countItems(t, m))
}

func TestTx_OnCommit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var fired []string
	tx, err := m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	tx.OnCommit(func(context.Context) { fired = append(fired, "committed") })
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"committed"}, fired)

	tx, err = m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	tx.OnCommit(func(context.Context) { fired = append(fired, "rolled back") })
	require.NoError(t, tx.Rollback())
	assert.Equal(t, []string{"committed"}, fired)
}

func TestTx_InsertReturningID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var ids []int64
	err := m.WriteFunc(ctx, AuthorizedBackgroundJob, func(tx *Tx) error {
		for _, name := range []string{"a", "b"} {
			id, err := tx.InsertReturningID(ctx, "INSERT INTO items (name) VALUES (?)", name)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestTx_NamedExecAndSelect(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	type item struct {
		Name string `db:"name"`
		Qty  int    `db:"qty"`
	}
	err := m.WriteFunc(ctx, AuthorizedBackgroundJob, func(tx *Tx) error {
		if _, err := tx.NamedExec(ctx, "INSERT INTO items (name, qty) VALUES (:name, :qty)", item{Name: "n", Qty: 3}); err != nil {
			return err
		}
		var got []item
		if err := tx.Select(ctx, &got, "SELECT name, qty FROM items"); err != nil {
			return err
		}
		assert.Equal(t, []item{{Name: "n", Qty: 3}}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestTx_ExecScript(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.WriteFunc(ctx, AuthorizedBackgroundJob, func(tx *Tx) error {
		return tx.ExecScript(ctx, `
			CREATE TABLE tags (name TEXT PRIMARY KEY);
			INSERT INTO tags (name) VALUES ('a');
			INSERT INTO tags (name) VALUES ('b');
		`)
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, m.ReadFunc(ctx, func(r *ReadConn) error {
		return r.Get(ctx, &n, "SELECT COUNT(*) FROM tags")
	}))
	assert.Equal(t, 2, n)
}
