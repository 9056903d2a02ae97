package server

import (
	"embed"

	"github.com/kandev/litepool/internal/db/migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the schema for the entries API.
func Migrations() ([]migrate.Migration, error) {
	return migrate.LoadFS(migrationFS, "migrations")
}
