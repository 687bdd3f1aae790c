package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/rostersync/backend/migrations"
)

// Migrator applies the mapping store schema using golang-migrate
type Migrator struct {
	migrate *migrate.Migrate
	logger  *zap.Logger
}

type migratorOptions struct {
	source fs.FS
	table  string
	logger *zap.Logger
}

// Option configures New
type Option func(*migratorOptions)

// WithDirectory reads migrations from a directory instead of the embedded set
func WithDirectory(path string) Option {
	return func(o *migratorOptions) {
		o.source = os.DirFS(path)
	}
}

// WithSource reads migrations from any file system
func WithSource(source fs.FS) Option {
	return func(o *migratorOptions) {
		o.source = source
	}
}

// WithMigrationsTable overrides the version bookkeeping table
func WithMigrationsTable(table string) Option {
	return func(o *migratorOptions) {
		o.table = table
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *migratorOptions) {
		o.logger = l
	}
}

// New creates a Migrator over an open PostgreSQL connection. Without options
// the migrations compiled into the binary are used. A source with a migration
// missing its down file is rejected so every schema change stays reversible.
func New(db *sql.DB, opts ...Option) (*Migrator, error) {
	o := &migratorOptions{source: migrations.FS, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	if err := Verify(o.source); err != nil {
		return nil, fmt.Errorf("invalid migration source: %w", err)
	}
	src, err := iofs.New(o.source, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: o.table})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return &Migrator{migrate: m, logger: o.logger}, nil
}

// Up applies every pending migration
func (m *Migrator) Up() error {
	return m.apply("up", m.migrate.Up)
}

// Down rolls back every migration, dropping the mapping tables
func (m *Migrator) Down() error {
	return m.apply("down", m.migrate.Down)
}

// Steps applies n migrations (positive = up, negative = down)
func (m *Migrator) Steps(n int) error {
	return m.apply("steps", func() error { return m.migrate.Steps(n) }, zap.Int("steps", n))
}

// GoTo migrates up or down to version
func (m *Migrator) GoTo(version uint) error {
	return m.apply("goto", func() error { return m.migrate.Migrate(version) }, zap.Uint("target_version", version))
}

// apply runs one golang-migrate operation. Having nothing to do is not an error.
func (m *Migrator) apply(op string, fn func() error, fields ...zap.Field) error {
	log := m.logger.With(append(fields, zap.String("op", op))...)
	log.Info("Running migrations")

	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("Schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	log.Info("Migrations completed", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Version returns the applied version; 0 when nothing was applied
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Force records version as applied without running anything. It clears the
// dirty flag left by a failed migration.
func (m *Migrator) Force(version int) error {
	m.logger.Warn("Forcing migration version", zap.Int("version", version))
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Close releases the source and closes the database handle passed to New
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
