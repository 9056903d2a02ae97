package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/litepool/internal/common/config"
	"github.com/kandev/litepool/internal/common/logger"
)

// newTestManager opens a manager on a fresh database file with an
// "items" table.
func newTestManager(t *testing.T, mutate ...func(*config.DatabaseConfig)) *Manager {
	t.Helper()
	cfg := config.DefaultDatabase(filepath.Join(t.TempDir(), "test.db"))
	cfg.AcquireTimeout = 2 * time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}

	m, err := Open(context.Background(), cfg, WithLogger(logger.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	err = m.WriteFunc(context.Background(), AuthorizedBackgroundJob, func(tx *Tx) error {
		_, err := tx.Exec(context.Background(), `
			CREATE TABLE items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				qty INTEGER NOT NULL DEFAULT 0
			)`)
		return err
	})
	require.NoError(t, err)
	return m
}

func countItems(t *testing.T, m *Manager) int {
	t.Helper()
	var n int
	err := m.ReadFunc(context.Background(), func(r *ReadConn) error {
		return r.Get(context.Background(), &n, "SELECT COUNT(*) FROM items")
	})
	require.NoError(t, err)
	return n
}
