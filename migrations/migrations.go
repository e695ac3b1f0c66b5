// Package migrations embeds SQL migration files and provides a function to apply them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// FS contains the embedded SQL migration files, one directory per driver.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

// goose keeps its base FS and dialect in package state.
var mu sync.Mutex

// Dir returns the migration files for driver and the matching goose dialect.
func Dir(driver string) (fs.FS, string, error) {
	var dialect string
	switch driver {
	case DriverSQLite:
		dialect = "sqlite3"
	case DriverPostgres:
		dialect = "postgres"
	default:
		return nil, "", fmt.Errorf("unsupported driver %q", driver)
	}
	sub, err := fs.Sub(FS, driver)
	if err != nil {
		return nil, "", fmt.Errorf("open %s migrations: %w", driver, err)
	}
	return sub, dialect, nil
}

// Setup points goose at the migrations for driver.
func Setup(driver string) error {
	dir, dialect, err := Dir(driver)
	if err != nil {
		return err
	}
	goose.SetBaseFS(dir)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return nil
}

// Run applies all pending migrations to the given database.
func Run(db *sql.DB, driver string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := Setup(driver); err != nil {
		return err
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
