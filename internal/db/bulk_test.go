package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRows(t *testing.T) {
	tests := []struct {
		maxBind, fixed, cols, want int
	}{
		{32766, 0, 3, 10922},
		{10, 0, 3, 3},
		{10, 1, 3, 3},
		{10, 2, 3, 2},
		{2, 0, 3, 1},
		{10, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d/%d", tt.maxBind, tt.fixed, tt.cols), func(t *testing.T) {
			assert.Equal(t, tt.want, BatchRows(tt.maxBind, tt.fixed, tt.cols))
		})
	}
}

func TestBulkInsert_BatchesUnderBindLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, n := range []int{1, 3, 10, 12} {
		t.Run(fmt.Sprintf("%d rows", n), func(t *testing.T) {
			var b *BulkInsert
			err := m.WriteFunc(ctx, AuthorizedBackgroundJob, func(tx *Tx) error {
				if _, err := tx.Exec(ctx, "DELETE FROM items"); err != nil {
					return err
				}
				var err error
				b, err = tx.BulkInsert("items", []string{"name", "qty", "id"}, WithMaxBindParameters(10))
				if err != nil {
					return err
				}
				for i := 0; i < n; i++ {
					if err := b.Add(ctx, Row{"id": i + 1, "name": fmt.Sprintf("item-%d", i), "qty": i}); err != nil {
						return err
					}
				}
				return nil
			})
			require.NoError(t, err)

			// floor(10/3) = 3 rows per statement
			assert.Equal(t, 3, b.BatchRows())
			assert.Equal(t, (n+2)/3, b.Batches())
			assert.EqualValues(t, n, b.Inserted())
			assert.Equal(t, n, countItems(t, m))
		})
	}
}

func TestBulkInsert_DefaultLimitFitsOneStatement(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var b *BulkInsert
	err := m.WriteFunc(ctx, AuthorizedBackgroundJob, func(tx *Tx) error {
		var err error
		b, err = tx.BulkInsert("items", []string{"name", "qty"})
		if err != nil {
			return err
		}
		for i := 0; i < 5000; i++ {
			if err := b.AddValues(ctx, fmt.Sprintf("n%d", i), i); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Batches())
	assert.Equal(t, 5000, countItems(t, m))
}

func TestBulkInsert_AllOrNothing(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.WriteFunc(ctx, AuthorizedBackgroundJob, func(tx *Tx) error {
		b, err := tx.BulkInsert("items", []string{"name"}, WithMaxBindParameters(2))
		if err != nil {
			return err
		}
		// the duplicate lands in the third batch, after two were written
		for _, name := range []string{"a", "b", "c", "d", "a"} {
			if err := b.AddValues(ctx, name); err != nil {
				return err
			}
		}
		return nil
	})
	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, 0, countItems(t, m))
	assert.Equal(t, 0, m.Stats().Write.InUse)
}

func TestBulkInsert_RowShape(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		add  func(b *BulkInsert) error
	}{
		{"missing key", func(b *BulkInsert) error { return b.Add(ctx, Row{"name": "x"}) }},
		{"unknown key", func(b *BulkInsert) error { return b.Add(ctx, Row{"name": "x", "color": "red"}) }},
		{"extra key", func(b *BulkInsert) error { return b.Add(ctx, Row{"name": "x", "qty": 1, "id": 3}) }},
		{"positional", func(b *BulkInsert) error { return b.AddValues(ctx, "x") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := m.Write(ctx, AuthorizedBackgroundJob)
			require.NoError(t, err)
			defer tx.Close()

			b, err := tx.BulkInsert("items", []string{"name", "qty"})
			require.NoError(t, err)
			require.NoError(t, b.Add(ctx, Row{"name": "ok", "qty": 1}))

			require.ErrorIs(t, tt.add(b), ErrRowShape)
			assert.Equal(t, TxRolledBack, tx.State())
			require.ErrorIs(t, b.AddValues(ctx, "late", 1), ErrAlreadyResolved)
		})
	}
	assert.Equal(t, 0, countItems(t, m))
}

func TestBulkInsert_RejectsBadColumns(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tx, err := m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	defer tx.Close()

	_, err = tx.BulkInsert("items", nil)
	require.ErrorIs(t, err, ErrRowShape)
	_, err = tx.BulkInsert("items", []string{"name", "name"})
	require.ErrorIs(t, err, ErrRowShape)
}

func TestBulkInsert_Conflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.WriteFunc(ctx, AuthorizedBackgroundJob, func(tx *Tx) error {
		b, err := tx.BulkInsert("items", []string{"name"}, WithConflict("OR IGNORE"))
		if err != nil {
			return err
		}
		for _, name := range []string{"a", "b", "a"} {
			if err := b.AddValues(ctx, name); err != nil {
				return err
			}
		}
		if err := b.Flush(ctx); err != nil {
			return err
		}
		assert.EqualValues(t, 2, b.Inserted())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countItems(t, m))
}

func TestBatchedValues(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	type item struct {
		ID   int    `db:"id"`
		Name string `db:"name"`
	}

	rows := make([][]any, 0, 7)
	for i := 1; i <= 7; i++ {
		rows = append(rows, []any{i, fmt.Sprintf("n%d", i)})
	}

	err := m.WriteFunc(ctx, AuthorizedBackgroundJob, func(tx *Tx) error {
		insert := NewBatchedValues(func(values string) string {
			return "INSERT INTO items (id, name) " + values
		}).MaxBindParameters(4)
		n, err := insert.Exec(ctx, tx, rows)
		if err != nil {
			return err
		}
		assert.EqualValues(t, 7, n)

		ids := make([][]any, 0, 7)
		for i := 1; i <= 7; i++ {
			ids = append(ids, []any{i})
		}
		query := NewBatchedValues(func(values string) string {
			return "WITH input(id) AS (" + values + ") " +
				"SELECT items.id, items.name FROM items JOIN input ON input.id = items.id " +
				"WHERE items.name != ? ORDER BY items.id"
		}).BindPost("n4").MaxBindParameters(3)

		got, err := SelectBatched[item](ctx, tx, query, ids)
		if err != nil {
			return err
		}
		assert.Equal(t, []item{
			{1, "n1"}, {2, "n2"}, {3, "n3"}, {5, "n5"}, {6, "n6"}, {7, "n7"},
		}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestBatchedValues_RowShape(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tx, err := m.Write(ctx, AuthorizedBackgroundJob)
	require.NoError(t, err)
	defer tx.Close()

	insert := NewBatchedValues(func(values string) string {
		return "INSERT INTO items (id, name) " + values
	})
	_, err = insert.Exec(ctx, tx, [][]any{{1, "a"}, {2}})
	require.ErrorIs(t, err, ErrRowShape)
	assert.Equal(t, TxRolledBack, tx.State())
}
