package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

// Migrator applies the {version}_{name}.up.sql / .down.sql files of a
// filesystem, usually migrations.FS.
type Migrator struct {
	m      *migrate.Migrate
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, files fs.FS, logger zerolog.Logger) (*Migrator, error) {
	src, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{SchemaName: "public"})
	if err != nil {
		return nil, fmt.Errorf("create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &Migrator{m: m, logger: logger}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	err := m.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info().Msg("schema up to date")
		return nil
	}
	if err != nil {
		return m.wrap("up", err)
	}
	m.logVersion("applied migrations")
	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down() error {
	err := m.m.Steps(-1)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return m.wrap("down", err)
	}
	m.logVersion("rolled back migration")
	return nil
}

// Version returns the current schema version; 0 when nothing is applied.
func (m *Migrator) Version() (uint, bool, error) {
	v, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close releases the migration source and closes the *sql.DB passed to
// NewMigrator.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr)
}

func (m *Migrator) wrap(direction string, err error) error {
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return fmt.Errorf("migrate %s: dirty database version %d", direction, dirty.Version)
	}
	return fmt.Errorf("migrate %s: %w", direction, err)
}

func (m *Migrator) logVersion(msg string) {
	v, dirty, err := m.Version()
	if err != nil {
		m.logger.Warn().Err(err).Msg("read schema version")
		return
	}
	m.logger.Info().Uint("version", v).Bool("dirty", dirty).Msg(msg)
}
