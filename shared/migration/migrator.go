package migration

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

// Migrator handles database migrations
type Migrator struct {
	db         *sql.DB
	migrations embed.FS
	dir        string
}

// Config holds migration configuration
type Config struct {
	DB         *sql.DB
	Migrations embed.FS
	Dir        string
}

// NewMigrator creates a new migrator over an existing connection
func NewMigrator(config *Config) *Migrator {
	dir := config.Dir
	if dir == "" {
		dir = "migrations"
	}
	return &Migrator{
		db:         config.DB,
		migrations: config.Migrations,
		dir:        dir,
	}
}

// Migrate runs all pending migrations
func (m *Migrator) Migrate() error {
	source, err := iofs.New(m.migrations, m.dir)
	if err != nil {
		return fmt.Errorf("failed to load migration source: %w", err)
	}

	driver, err := postgres.WithInstance(m.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	migration, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migration.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
