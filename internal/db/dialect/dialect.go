// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import (
	"strings"

	"github.com/jmoiron/sqlx"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// Per-statement bind parameter ceilings. SQLite's default
// SQLITE_MAX_VARIABLE_NUMBER is 32766 since 3.32; Postgres encodes the
// parameter count as an int16 on the wire.
const (
	SQLiteMaxBindParameters   = 32766
	PostgresMaxBindParameters = 65535
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// MaxBindParameters returns the bind parameter ceiling for driver.
func MaxBindParameters(driver string) int {
	if IsPostgres(driver) {
		return PostgresMaxBindParameters
	}
	return SQLiteMaxBindParameters
}

// QuoteIdent quotes a table or column name. Both engines accept double
// quotes; embedded quotes are doubled.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Rebind converts '?' placeholders to the driver's bind style.
func Rebind(driver, query string) string {
	return sqlx.Rebind(sqlx.BindType(driver), query)
}
