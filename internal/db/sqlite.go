package db

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/litepool/internal/common/config"
)

const defaultBusyTimeout = 5 * time.Second

// Pragmas is the per-connection engine configuration for SQLite. Database
// level settings (journal_mode, synchronous, auto_vacuum, page_size) are only
// applied by writers. auto_vacuum and page_size only take effect on a
// database that has no tables yet, and page_size cannot change once the
// file is in WAL mode.
type Pragmas struct {
	BusyTimeout time.Duration
	JournalMode string
	Synchronous string
	ForeignKeys bool
	PageSize    int
	LockingMode string
	AutoVacuum  string
	// Extra pragmas are executed verbatim as "PRAGMA key = value" on every
	// new connection, after the DSN-level ones.
	Extra map[string]string
}

// PragmasFromConfig converts the configuration section into Pragmas.
func PragmasFromConfig(cfg config.DatabaseConfig) Pragmas {
	return Pragmas{
		BusyTimeout: cfg.BusyTimeout,
		JournalMode: cfg.Pragmas.JournalMode,
		Synchronous: cfg.Pragmas.Synchronous,
		ForeignKeys: cfg.Pragmas.ForeignKeys,
		PageSize:    cfg.Pragmas.PageSize,
		LockingMode: cfg.Pragmas.LockingMode,
		AutoVacuum:  cfg.Pragmas.AutoVacuum,
		Extra:       cfg.Pragmas.Extra,
	}
}

var pragmaToken = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

func (p Pragmas) validate() error {
	for _, v := range []string{p.LockingMode, p.AutoVacuum} {
		if v != "" && !pragmaToken.MatchString(v) {
			return fmt.Errorf("invalid pragma value %q", v)
		}
	}
	for k, v := range p.Extra {
		if !pragmaToken.MatchString(k) || !pragmaToken.MatchString(v) {
			return fmt.Errorf("invalid pragma %q = %q", k, v)
		}
	}
	return nil
}

// dsn builds the go-sqlite3 connection string for mode.
//
// Writers get:
//   - _journal_mode / _synchronous: database-level settings, WAL by default.
//   - _txlock=immediate: BEGIN takes the write lock up front so two writers
//     never deadlock upgrading from a shared lock.
//
// Readers open with mode=ro and _query_only so a stray write fails in the
// engine instead of contending with the writer.
func (p Pragmas) dsn(path string, mode Mode) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(p.busyMillis()))
	if p.ForeignKeys {
		q.Set("_foreign_keys", "on")
	} else {
		q.Set("_foreign_keys", "off")
	}
	if p.LockingMode != "" {
		q.Set("_locking_mode", strings.ToUpper(p.LockingMode))
	}

	switch mode {
	case ModeWrite:
		if p.JournalMode != "" {
			q.Set("_journal_mode", p.JournalMode)
		}
		if p.Synchronous != "" {
			q.Set("_synchronous", p.Synchronous)
		}
		if p.AutoVacuum != "" {
			q.Set("_auto_vacuum", strings.ToLower(p.AutoVacuum))
		}
		q.Set("_txlock", "immediate")
		q.Set("mode", "rwc")
	case ModeRead:
		q.Set("_query_only", "1")
		q.Set("mode", "ro")
	}
	return "file:" + path + "?" + q.Encode()
}

func (p Pragmas) busyMillis() int {
	if p.BusyTimeout <= 0 {
		return int(defaultBusyTimeout / time.Millisecond)
	}
	return int(p.BusyTimeout / time.Millisecond)
}

// applyExtra runs the Extra pragmas on conn in a stable order and returns
// the effective settings for the connection.
func (p Pragmas) applyExtra(ctx context.Context, conn *sqlx.Conn, mode Mode) (map[string]string, error) {
	applied := map[string]string{
		"busy_timeout": strconv.Itoa(p.busyMillis()),
		"foreign_keys": strconv.FormatBool(p.ForeignKeys),
	}
	if p.LockingMode != "" {
		applied["locking_mode"] = strings.ToLower(p.LockingMode)
	}
	if mode == ModeWrite {
		applied["journal_mode"] = strings.ToLower(p.JournalMode)
		applied["synchronous"] = strings.ToLower(p.Synchronous)
		if p.AutoVacuum != "" {
			applied["auto_vacuum"] = strings.ToLower(p.AutoVacuum)
		}
		if p.PageSize > 0 {
			if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA page_size = %d", p.PageSize)); err != nil {
				return nil, fmt.Errorf("pragma page_size: %w", err)
			}
			applied["page_size"] = strconv.Itoa(p.PageSize)
		}
	} else {
		applied["query_only"] = "true"
	}

	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", k, p.Extra[k])); err != nil {
			return nil, fmt.Errorf("pragma %s: %w", k, err)
		}
		applied[k] = p.Extra[k]
	}
	return applied, nil
}

// verifyReadOnly checks that a reader connection refuses writes.
func verifyReadOnly(ctx context.Context, conn *sqlx.Conn) error {
	var queryOnly int
	if err := conn.GetContext(ctx, &queryOnly, "PRAGMA query_only"); err != nil {
		return err
	}
	if queryOnly != 1 {
		return fmt.Errorf("reader connection is writable")
	}
	return nil
}

// openSQLite opens the sqlx handle one pool draws connections from. The
// handle keeps no idle connections of its own: Pool owns reuse, and
// closing a pooled *sqlx.Conn closes the underlying engine connection.
func openSQLite(path string, pragmas Pragmas, mode Mode) (*sqlx.DB, error) {
	if mode == ModeWrite {
		if err := ensureSQLiteDir(path); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		if err := ensureSQLiteFile(path); err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", pragmas.dsn(path, mode))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", mode, err)
	}
	db.SetMaxIdleConns(0)
	return db, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
