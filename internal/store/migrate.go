package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/audun/patchsilence/internal/config"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// RunMigrations opens a connection for the configured driver and applies
// all pending migrations embedded in the binary.
func RunMigrations(cfg *config.Config) error {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		db, err = sql.Open("pgx", cfg.Store.DatabaseURL)
	case "sqlite":
		db, err = sql.Open("sqlite3", cfg.Store.Path)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return Migrate(db, cfg.Store.Driver)
}

// Migrate applies the embedded migrations for the given driver to an open
// database handle.
func Migrate(db *sql.DB, driver string) error {
	var dialect, dir string
	switch driver {
	case "postgres":
		dialect, dir = "postgres", "migrations/postgres"
	case "sqlite":
		dialect, dir = "sqlite3", "migrations/sqlite"
	default:
		return fmt.Errorf("unknown store driver %q", driver)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
