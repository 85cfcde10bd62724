package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

var (
	ErrNoHandle    = errors.New("migration database handle is required")
	ErrDirtySchema = errors.New("schema is dirty; fix the failed migration and force the version")
)

// Status reports the schema version after a run.
type Status struct {
	Version uint
	Applied bool
}

// RunMigrations brings the billing schema up to the newest embedded
// version. A schema already at that version is left untouched.
func RunMigrations(db *sql.DB) (Status, error) {
	if db == nil {
		return Status{}, ErrNoHandle
	}
	m, err := newMigrator(db)
	if err != nil {
		return Status{}, err
	}
	// m.Close would also close the shared *sql.DB, so the migrator is left open.

	before, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return Status{}, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return Status{Version: before}, fmt.Errorf("%w (version %d)", ErrDirtySchema, before)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Status{Version: before}, fmt.Errorf("apply migrations: %w", err)
	}
	after, _, err := m.Version()
	if err != nil {
		return Status{}, fmt.Errorf("read schema version: %w", err)
	}
	return Status{Version: after, Applied: after != before}, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}
