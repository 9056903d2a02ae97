package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/litepool/internal/db/migrate"
)

func TestRun_Help(t *testing.T) {
	require.NoError(t, run([]string{"--help"}))
}

func TestRun_MigrateThenStatus(t *testing.T) {
	t.Setenv("LITEPOOL_LOGGING_LEVEL", "error")
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	require.NoError(t, run([]string{"--config", t.TempDir(), "--db", dbPath, "migrate"}))
	require.NoError(t, run([]string{"--config", t.TempDir(), "--db", dbPath, "status"}))
	require.NoError(t, run([]string{"--config", t.TempDir(), "--db", dbPath, "--format", "yaml", "status"}))
	require.NoError(t, run([]string{"--config", t.TempDir(), "--db", dbPath, "--to", "1", "migrate"}))
	// version 1 has no down script, so reverting to 0 is refused rather
	// than read as "latest"
	err := run([]string{"--config", t.TempDir(), "--db", dbPath, "--to", "0", "migrate"})
	require.ErrorIs(t, err, migrate.ErrIrreversible)
	assert.Error(t, run([]string{"--config", t.TempDir(), "--db", dbPath, "--format", "xml", "status"}))
}

func TestRun_UnknownCommand(t *testing.T) {
	err := run([]string{"--config", t.TempDir(), "--db", filepath.Join(t.TempDir(), "x.db"), "explode"})
	assert.Error(t, err)
}

func TestFormatRecord(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	long := migrate.Record{Version: 3, Checksum: "0123456789abcdef0123456789abcdef", AppliedAt: at}
	assert.Equal(t, "   3  2026-01-02T03:04:05Z  0123456789abcdef", formatRecord(long))

	short := migrate.Record{Version: 12, Checksum: "abc", AppliedAt: at}
	assert.Equal(t, "  12  2026-01-02T03:04:05Z  abc", formatRecord(short))

	assert.NotPanics(t, func() { formatRecord(migrate.Record{Version: 1, AppliedAt: at}) })
}
