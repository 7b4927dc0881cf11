package server

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/sina-abbasi/ragline/config"
)

// Migrate applies database migrations from the given source directory
// (for example file://migrations). An empty dsn falls back to the
// DATABASE_URL / POSTGRES_* environment.
func Migrate(dir string, dsn string, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if dsn == "" {
		var err error
		dsn, err = config.PostgresFromEnv().DSN()
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	m, err := migrate.New(dir, dsn)
	if err != nil {
		return err
	}
	if direction == "down" {
		steps = -steps
	}
	if steps != 0 {
		return m.Steps(steps)
	}
	if direction == "down" {
		return m.Down()
	}
	return m.Up()
}
