package migrations

import (
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed sqlite/*.sql postgres/*.sql
var migrationsFS embed.FS

// Run performs all migrations for the given driver ("sqlite" or "postgres").
func Run(dbx *sqlx.DB, driver string) error {
	d, err := iofs.New(migrationsFS, driver)
	if err != nil {
		return fmt.Errorf("error creating migrations source: %s", err)
	}

	var i database.Driver
	switch driver {
	case "sqlite":
		i, err = sqlite.WithInstance(dbx.DB, &sqlite.Config{})
	case "postgres":
		i, err = postgres.WithInstance(dbx.DB, &postgres.Config{})
	default:
		return fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("error creating %s instance for migration: %s", driver, err)
	}

	migrator, err := migrate.NewWithInstance("iofs", d, driver, i)
	if err != nil {
		return fmt.Errorf("error creating migrator: %s", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("error migrating: %s", err)
	}
	slog.Info("migrated", "driver", driver)

	return nil
}
