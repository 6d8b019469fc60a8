package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNilDatabase is returned when a runner is created without a database handle.
var ErrNilDatabase = errors.New("database handle is nil")

type (
	// Runner applies embedded migrations for one target to a database handle it
	// does not own. Close releases migrate resources but never closes the *sql.DB.
	Runner struct {
		target  Target
		migrate *migrate.Migrate
		source  source.Driver
		logger  *slog.Logger
		latest  uint
	}

	// Status describes where a database stands relative to the embedded schema.
	Status struct {
		Target  Target
		Version uint
		Latest  uint
		Dirty   bool
		Pending int
	}

	// RunnerOption configures a Runner.
	RunnerOption func(*runnerOptions)

	runnerOptions struct {
		table  string
		logger *slog.Logger
	}

	// migrateLogger forwards golang-migrate output to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// WithMigrationTable overrides the version table name.
func WithMigrationTable(table string) RunnerOption {
	return func(o *runnerOptions) {
		if strings.TrimSpace(table) != "" {
			o.table = table
		}
	}
}

// WithLogger sets the logger used for migration progress.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(o *runnerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewRunner validates the embedded migrations for target and prepares a runner
// against db. For TargetPrimary db must be a lib/pq handle, for TargetCache a
// modernc.org/sqlite handle.
func NewRunner(ctx context.Context, db *sql.DB, target Target, opts ...RunnerOption) (*Runner, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}

	options := &runnerOptions{
		table:  DefaultMigrationTable,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	dir, err := target.dir()
	if err != nil {
		return nil, err
	}

	src, err := Source(target)
	if err != nil {
		return nil, err
	}

	validator := NewValidator(src)
	if err := validator.Validate(); err != nil {
		return nil, fmt.Errorf("embedded %s migrations are invalid: %w", target, err)
	}

	latest, err := latestVersion(validator)
	if err != nil {
		return nil, err
	}

	sourceDriver, err := iofs.New(files, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	dbDriver, driverName, err := databaseDriver(ctx, db, target, options.table)
	if err != nil {
		_ = sourceDriver.Close()

		return nil, err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driverName, dbDriver)
	if err != nil {
		_ = sourceDriver.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: options.logger.With(slog.String("target", string(target)))}

	return &Runner{
		target:  target,
		migrate: m,
		source:  sourceDriver,
		logger:  options.logger,
		latest:  latest,
	}, nil
}

// databaseDriver builds a golang-migrate driver that leaves db open on Close.
// The postgres driver borrows a single pooled connection; the sqlite driver
// wraps the handle directly, so its Close is never called.
func databaseDriver(
	ctx context.Context,
	db *sql.DB,
	target Target,
	table string,
) (database.Driver, string, error) {
	switch target {
	case TargetPrimary:
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("failed to acquire database connection: %w", err)
		}

		driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: table})
		if err != nil {
			_ = conn.Close()

			return nil, "", fmt.Errorf("failed to create postgres driver: %w", err)
		}

		return driver, "postgres", nil
	case TargetCache:
		driver, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: table})
		if err != nil {
			return nil, "", fmt.Errorf("failed to create sqlite driver: %w", err)
		}

		return driver, "sqlite", nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownTarget, string(target))
	}
}

// Up applies all pending migrations. Already being current is not an error.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Debug("No new migrations to apply", slog.String("target", string(r.target)))

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("Migrations applied", slog.String("target", string(r.target)), slog.Uint64("version", uint64(r.latest)))

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back", slog.String("target", string(r.target)))

	return nil
}

// Version returns the applied version; 0 means nothing has been applied.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}

// Status reports the applied version against the newest embedded migration.
func (r *Runner) Status() (*Status, error) {
	version, dirty, err := r.Version()
	if err != nil {
		return nil, err
	}

	pending := 0
	if r.latest > version {
		pending = int(r.latest - version)
	}

	return &Status{
		Target:  r.target,
		Version: version,
		Latest:  r.latest,
		Dirty:   dirty,
		Pending: pending,
	}, nil
}

// Drop removes every table in the target database. Destructive.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables", slog.String("target", string(r.target)))

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close releases the migration source and, for PostgreSQL, the borrowed
// connection. The caller's *sql.DB stays open.
func (r *Runner) Close() error {
	if r.target == TargetCache {
		return r.source.Close()
	}

	sourceErr, dbErr := r.migrate.Close()

	return errors.Join(sourceErr, dbErr)
}

// Up validates and applies all embedded migrations for target to db.
// Safe to run on every startup.
func Up(ctx context.Context, db *sql.DB, target Target, opts ...RunnerOption) error {
	runner, err := NewRunner(ctx, db, target, opts...)
	if err != nil {
		return err
	}

	defer func() {
		_ = runner.Close()
	}()

	return runner.Up()
}

func latestVersion(v *Validator) (uint, error) {
	names, err := v.List()
	if err != nil {
		return 0, err
	}

	var latest uint

	for _, name := range names {
		info, err := parseMigrationFilename(name)
		if err != nil {
			return 0, err
		}

		if seq := uint(info.Sequence); seq > latest { //nolint: gosec
			latest = seq
		}
	}

	return latest, nil
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
