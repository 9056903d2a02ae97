// Package migrate applies ordered schema migrations through the write pool
// and records each applied version with a checksum of its script.
package migrate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/db"
	"github.com/kandev/litepool/internal/db/dialect"
)

// TableName is the bookkeeping table created in the target database.
const TableName = "_litepool_migrations"

var (
	// ErrMigrationDrift matches any *DriftError.
	ErrMigrationDrift = errors.New("migrate: applied migration differs from source")
	// ErrVersionOrder is returned for migration sets whose versions are not
	// 1, 2, 3, ... without gaps.
	ErrVersionOrder = errors.New("migrate: versions must be contiguous from 1")
	// ErrIrreversible is returned when a downgrade needs a migration that
	// has no Down script.
	ErrIrreversible = errors.New("migrate: migration has no down script")
	// ErrUnknownTarget is returned for a target version beyond the source set.
	ErrUnknownTarget = errors.New("migrate: target version out of range")
)

// Migration is one schema change. Version numbers start at 1.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Checksum is the hex BLAKE3 digest of Up.
func (m Migration) Checksum() string {
	sum := blake3.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

// Record is one row of the bookkeeping table.
type Record struct {
	Version   int       `db:"version" yaml:"version"`
	Checksum  string    `db:"checksum" yaml:"checksum"`
	AppliedAt time.Time `db:"applied_at" yaml:"applied_at"`
}

// DriftError reports an applied migration that no longer matches the source.
type DriftError struct {
	Version  int
	Recorded string
	Current  string
}

func (e *DriftError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("migrate: version %d is applied but missing from source", e.Version)
	}
	return fmt.Sprintf("migrate: version %d checksum %s does not match source %s", e.Version, e.Recorded, e.Current)
}

// Is reports ErrMigrationDrift as a match.
func (e *DriftError) Is(target error) bool { return target == ErrMigrationDrift }

// Target selects the version to end at. A nil To means the latest
// version; a To of 0 reverts every migration. FirstTo, when set, is
// reached before To, which lets a deployment replay a down/up cycle.
type Target struct {
	To      *int
	FirstTo *int
}

// Report summarizes a Run.
type Report struct {
	From     int
	To       int
	Applied  []int
	Reverted []int
}

// Runner applies migrations through a Manager's write pool.
type Runner struct {
	db     *db.Manager
	logger *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(m *db.Manager, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{db: m, logger: log.WithComponent("migrate")}
}

func createTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`
}

// Validate checks that versions run 1..n in order and every Up is non-empty.
func Validate(migrations []Migration) error {
	for i, m := range migrations {
		if m.Version != i+1 {
			return fmt.Errorf("%w: position %d has version %d", ErrVersionOrder, i+1, m.Version)
		}
		if m.Up == "" {
			return fmt.Errorf("migrate: version %d has an empty up script", m.Version)
		}
	}
	return nil
}

// Run brings the database to target. Recorded migrations are checked
// against the source first; on drift nothing is changed and a *DriftError
// is returned. Each migration runs in its own write transaction together
// with its bookkeeping row.
func (r *Runner) Run(ctx context.Context, migrations []Migration, target Target) (*Report, error) {
	if err := Validate(migrations); err != nil {
		return nil, err
	}
	latest := len(migrations)
	for _, v := range []*int{target.To, target.FirstTo} {
		if v != nil && (*v < 0 || *v > latest) {
			return nil, fmt.Errorf("%w: %d (have 0..%d)", ErrUnknownTarget, *v, latest)
		}
	}

	current, err := r.check(ctx, migrations)
	if err != nil {
		return nil, err
	}

	report := &Report{From: current}
	final := latest
	if target.To != nil {
		final = *target.To
	}

	steps := []int{final}
	if target.FirstTo != nil && *target.FirstTo != current {
		steps = []int{*target.FirstTo, final}
	}
	for cur, i := current, 0; i < len(steps); i++ {
		if to := steps[i]; to < cur {
			if err := requireDown(migrations[to:cur]); err != nil {
				return report, err
			}
		}
		cur = steps[i]
	}

	for _, to := range steps {
		if current, err = r.migrateTo(ctx, migrations, current, to, report); err != nil {
			return report, err
		}
	}
	report.To = current
	r.logger.Info("migrations complete",
		zap.Int("from", report.From),
		zap.Int("to", report.To),
		zap.Ints("applied", report.Applied),
		zap.Ints("reverted", report.Reverted))
	return report, nil
}

// check creates the bookkeeping table if needed and verifies every
// recorded checksum. It returns the highest applied version.
func (r *Runner) check(ctx context.Context, migrations []Migration) (int, error) {
	tx, err := r.db.Write(ctx, db.AuthorizedBackgroundJob)
	if err != nil {
		return 0, err
	}
	defer tx.Close()

	if _, err := tx.Exec(ctx, createTableSQL()); err != nil {
		return 0, err
	}
	var records []Record
	if err := tx.Select(ctx, &records, "SELECT version, checksum, applied_at FROM "+TableName+" ORDER BY version"); err != nil {
		return 0, err
	}

	current := 0
	for _, rec := range records {
		if rec.Version < 1 || rec.Version > len(migrations) {
			return 0, &DriftError{Version: rec.Version, Recorded: rec.Checksum}
		}
		if sum := migrations[rec.Version-1].Checksum(); sum != rec.Checksum {
			return 0, &DriftError{Version: rec.Version, Recorded: rec.Checksum, Current: sum}
		}
		if rec.Version != current+1 {
			return 0, fmt.Errorf("%w: recorded versions skip from %d to %d", ErrVersionOrder, current, rec.Version)
		}
		current = rec.Version
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return current, nil
}

func requireDown(migrations []Migration) error {
	for _, m := range migrations {
		if m.Down == "" {
			return fmt.Errorf("%w: version %d (%s)", ErrIrreversible, m.Version, m.Name)
		}
	}
	return nil
}

func (r *Runner) migrateTo(ctx context.Context, migrations []Migration, current, to int, report *Report) (int, error) {
	for current < to {
		m := migrations[current]
		if err := r.apply(ctx, m); err != nil {
			return current, err
		}
		report.Applied = append(report.Applied, m.Version)
		current++
	}
	for current > to {
		m := migrations[current-1]
		if err := r.revert(ctx, m); err != nil {
			return current, err
		}
		report.Reverted = append(report.Reverted, m.Version)
		current--
	}
	return current, nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	log := r.logger.WithFields(zap.Int("version", m.Version), zap.String("name", m.Name))
	err := r.db.WriteFunc(ctx, db.AuthorizedBackgroundJob, func(tx *db.Tx) error {
		if err := tx.ExecScript(ctx, m.Up); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			tx.Rebind("INSERT INTO "+TableName+" (version, checksum, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Checksum(), time.Now().UTC())
		return err
	})
	if err != nil {
		log.Error("migration failed", zap.Error(err))
		return fmt.Errorf("migrate: apply version %d (%s): %w", m.Version, m.Name, err)
	}
	log.Info("applied migration")
	return nil
}

func (r *Runner) revert(ctx context.Context, m Migration) error {
	log := r.logger.WithFields(zap.Int("version", m.Version), zap.String("name", m.Name))
	err := r.db.WriteFunc(ctx, db.AuthorizedBackgroundJob, func(tx *db.Tx) error {
		if err := tx.ExecScript(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, tx.Rebind("DELETE FROM "+TableName+" WHERE version = ?"), m.Version)
		return err
	})
	if err != nil {
		log.Error("revert failed", zap.Error(err))
		return fmt.Errorf("migrate: revert version %d (%s): %w", m.Version, m.Name, err)
	}
	log.Info("reverted migration")
	return nil
}

// Applied lists the recorded migrations, oldest first. It reads through
// the read pool and returns nothing if the table does not exist yet.
func (r *Runner) Applied(ctx context.Context) ([]Record, error) {
	var records []Record
	err := r.db.ReadFunc(ctx, func(rc *db.ReadConn) error {
		var exists int
		if err := rc.Get(ctx, &exists, tableExistsSQL(r.db.Driver()), TableName); err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}
		return rc.Select(ctx, &records, "SELECT version, checksum, applied_at FROM "+TableName+" ORDER BY version")
	})
	return records, err
}

func tableExistsSQL(driver string) string {
	if dialect.IsPostgres(driver) {
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1"
	}
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}
