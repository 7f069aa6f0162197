package queue

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Numbered NNNN_name.up.sql / .down.sql pairs. Add new files; never edit
// one that has shipped.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrSchemaMismatch reports a database written by a newer ripline, or one
// left dirty by an interrupted migration.
var ErrSchemaMismatch = errors.New("schema version mismatch")

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	latest, err := latestVersion(src)
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	// Migrate.Close would close s.db through the driver, so the migrator is
	// simply dropped once done.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	current, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case dirty:
		return fmt.Errorf("%w: job database is dirty at version %d (remove %s to start over)",
			ErrSchemaMismatch, current, s.path)
	case current > latest:
		return fmt.Errorf("%w: job database is at version %d, this build knows %d (upgrade ripline or remove %s)",
			ErrSchemaMismatch, current, latest, s.path)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("first migration: %w", err)
	}
	for {
		next, err := src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, fmt.Errorf("scan migrations: %w", err)
		}
		version = next
	}
}
