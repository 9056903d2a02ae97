package migrate

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/litepool/internal/common/config"
	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/db"
)

func newTestRunner(t *testing.T) (*Runner, *db.Manager) {
	t.Helper()
	cfg := config.DefaultDatabase(filepath.Join(t.TempDir(), "migrate.db"))
	m, err := db.Open(context.Background(), cfg, db.WithLogger(logger.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return NewRunner(m, logger.Nop()), m
}

func sampleMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_entries", Up: `CREATE TABLE entries (id INTEGER PRIMARY KEY, message TEXT NOT NULL);`, Down: `DROP TABLE entries;`},
		{Version: 2, Name: "add_source", Up: `ALTER TABLE entries ADD COLUMN source TEXT NOT NULL DEFAULT '';`, Down: `ALTER TABLE entries DROP COLUMN source;`},
		{Version: 3, Name: "create_tags", Up: `CREATE TABLE tags (name TEXT PRIMARY KEY);`, Down: `DROP TABLE tags;`},
	}
}

func version(n int) *int { return &n }

func tableNames(t *testing.T, m *db.Manager) []string {
	t.Helper()
	var names []string
	err := m.ReadFunc(context.Background(), func(r *db.ReadConn) error {
		return r.Select(context.Background(), &names,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	})
	require.NoError(t, err)
	return names
}

func TestChecksum(t *testing.T) {
	a := Migration{Up: "CREATE TABLE a (x INT);"}
	b := Migration{Up: "CREATE TABLE a (x INT); "}
	assert.Len(t, a.Checksum(), 64)
	assert.Equal(t, a.Checksum(), Migration{Up: a.Up, Down: "ignored"}.Checksum())
	assert.NotEqual(t, a.Checksum(), b.Checksum())
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(nil))
	require.NoError(t, Validate(sampleMigrations()))

	gap := []Migration{{Version: 1, Up: "x"}, {Version: 3, Up: "y"}}
	require.ErrorIs(t, Validate(gap), ErrVersionOrder)

	zero := []Migration{{Version: 0, Up: "x"}}
	require.ErrorIs(t, Validate(zero), ErrVersionOrder)

	require.Error(t, Validate([]Migration{{Version: 1}}))
}

func TestRun_AppliesAllAndIsIdempotent(t *testing.T) {
	r, m := newTestRunner(t)
	ctx := context.Background()

	report, err := r.Run(ctx, sampleMigrations(), Target{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.From)
	assert.Equal(t, 3, report.To)
	assert.Equal(t, []int{1, 2, 3}, report.Applied)
	assert.Equal(t, []string{TableName, "entries", "tags"}, tableNames(t, m))

	first, err := r.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, first, 3)

	report, err = r.Run(ctx, sampleMigrations(), Target{})
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Empty(t, report.Reverted)

	second, err := r.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRun_DriftLeavesDatabaseUntouched(t *testing.T) {
	r, m := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Run(ctx, sampleMigrations()[:2], Target{})
	require.NoError(t, err)
	before, err := r.Applied(ctx)
	require.NoError(t, err)

	edited := sampleMigrations()
	edited[1].Up = `ALTER TABLE entries ADD COLUMN origin TEXT;`

	_, err = r.Run(ctx, edited, Target{})
	require.ErrorIs(t, err, ErrMigrationDrift)
	var drift *DriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, 2, drift.Version)
	assert.Equal(t, before[1].Checksum, drift.Recorded)

	after, err := r.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{TableName, "entries"}, tableNames(t, m))
}

func TestRun_DriftOnMissingSource(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Run(ctx, sampleMigrations(), Target{})
	require.NoError(t, err)

	_, err = r.Run(ctx, sampleMigrations()[:2], Target{})
	require.ErrorIs(t, err, ErrMigrationDrift)
}

func TestRun_Targets(t *testing.T) {
	r, m := newTestRunner(t)
	ctx := context.Background()

	report, err := r.Run(ctx, sampleMigrations(), Target{To: version(1)})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, report.Applied)
	assert.Equal(t, []string{TableName, "entries"}, tableNames(t, m))

	report, err = r.Run(ctx, sampleMigrations(), Target{})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, report.Applied)

	report, err = r.Run(ctx, sampleMigrations(), Target{To: version(1)})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, report.Reverted)
	assert.Equal(t, 1, report.To)
	assert.Equal(t, []string{TableName, "entries"}, tableNames(t, m))

	// replay: down to 1 first, then back up to latest
	report, err = r.Run(ctx, sampleMigrations(), Target{})
	require.NoError(t, err)
	report, err = r.Run(ctx, sampleMigrations(), Target{FirstTo: version(1)})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, report.Reverted)
	assert.Equal(t, []int{2, 3}, report.Applied)
	assert.Equal(t, 3, report.To)

	_, err = r.Run(ctx, sampleMigrations(), Target{To: version(9)})
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestRun_RevertToZero(t *testing.T) {
	r, m := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Run(ctx, sampleMigrations(), Target{})
	require.NoError(t, err)

	report, err := r.Run(ctx, sampleMigrations(), Target{To: version(0)})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, report.Reverted)
	assert.Equal(t, 0, report.To)
	assert.Equal(t, []string{TableName}, tableNames(t, m))

	applied, err := r.Applied(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	_, err = r.Run(ctx, sampleMigrations(), Target{To: version(-1)})
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestRun_IrreversibleDowngradeChangesNothing(t *testing.T) {
	r, m := newTestRunner(t)
	ctx := context.Background()

	migrations := sampleMigrations()
	migrations[1].Down = ""
	_, err := r.Run(ctx, migrations, Target{})
	require.NoError(t, err)

	_, err = r.Run(ctx, migrations, Target{To: version(1)})
	require.ErrorIs(t, err, ErrIrreversible)
	assert.Equal(t, []string{TableName, "entries", "tags"}, tableNames(t, m))
}

func TestRun_FailedMigrationIsNotRecorded(t *testing.T) {
	r, m := newTestRunner(t)
	ctx := context.Background()

	migrations := sampleMigrations()
	migrations[2].Up = `CREATE TABLE tags (name TEXT PRIMARY KEY); CREATE TABLE broken (;`
	_, err := r.Run(ctx, migrations, Target{})
	require.Error(t, err)

	applied, err := r.Applied(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	assert.Equal(t, []string{TableName, "entries"}, tableNames(t, m))
}

func TestApplied_BeforeAnyRun(t *testing.T) {
	r, _ := newTestRunner(t)
	applied, err := r.Applied(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestLoadFS(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/0001_create_entries.sql": {Data: []byte("CREATE TABLE entries (id INTEGER);")},
		"migrations/0002_logs.up.sql":        {Data: []byte("CREATE TABLE logs (id INTEGER);")},
		"migrations/0002_logs.down.sql":      {Data: []byte("DROP TABLE logs;")},
		"migrations/README.md":               {Data: []byte("ignored")},
	}

	migrations, err := LoadFS(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, Migration{Version: 1, Name: "create_entries", Up: "CREATE TABLE entries (id INTEGER);"}, migrations[0])
	assert.Equal(t, "logs", migrations[1].Name)
	assert.Equal(t, "DROP TABLE logs;", migrations[1].Down)
}

func TestLoadFS_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{"gap", fstest.MapFS{
			"m/0001_a.sql": {Data: []byte("x")},
			"m/0003_c.sql": {Data: []byte("y")},
		}},
		{"up without down", fstest.MapFS{
			"m/0001_a.up.sql": {Data: []byte("x")},
		}},
		{"plain and pair", fstest.MapFS{
			"m/0001_a.sql":      {Data: []byte("x")},
			"m/0001_a.up.sql":   {Data: []byte("x")},
			"m/0001_a.down.sql": {Data: []byte("y")},
		}},
		{"conflicting names", fstest.MapFS{
			"m/0001_a.up.sql":   {Data: []byte("x")},
			"m/0001_b.down.sql": {Data: []byte("y")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFS(tt.files, "m")
			require.Error(t, err)
		})
	}
}
