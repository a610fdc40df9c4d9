package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
)

// Open applies pending migrations automatically; these helpers back the
// migrate CLI for operators who want explicit control.

// MigrateUp applies all pending migrations to the database at path.
func MigrateUp(path string) error {
	db, m, err := openMigrator(path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(path string) error {
	db, m, err := openMigrator(path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate down: %w", err)
	}
	return nil
}

// MigrationVersion reports the current schema version. ok is false when no
// migration has been applied yet.
func MigrationVersion(path string) (version uint, dirty, ok bool, err error) {
	db, m, err := openMigrator(path)
	if err != nil {
		return 0, false, false, err
	}
	defer db.Close()
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("store: migration version: %w", err)
	}
	return version, dirty, true, nil
}

func openMigrator(path string) (*sql.DB, *migrate.Migrate, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	m, err := newMigrator(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, m, nil
}
