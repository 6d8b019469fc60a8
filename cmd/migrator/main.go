// Package main provides the database migration CLI for edgedetect.
//
// Migrations are embedded in the binary, so the tool needs only a connection:
// DATABASE_URL for the PostgreSQL primary store, or EDGEDETECT_CACHE_PATH for
// the SQLite edge cache.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/correlator-io/edgedetect/internal/config"
	"github.com/correlator-io/edgedetect/migrations"
)

const (
	version        = "1.0.0-dev"
	name           = "migrator"
	connectTimeout = 30 * time.Second
)

func main() {
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		target      = flag.String("target", "", "Schema to migrate: primary (PostgreSQL) or cache (SQLite)")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *configHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	logger := config.NewLogger(slog.LevelInfo)

	if err := run(flag.Arg(0), *target, os.Stdin, logger); err != nil {
		logger.Error("Migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(command, target string, in io.Reader, logger *slog.Logger) error {
	cfg, err := LoadConfig(target)
	if err != nil {
		return err
	}

	logger.Info("Loaded migrator configuration", slog.String("config", cfg.String()))

	driver, dsn := cfg.Driver()

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	defer func() {
		_ = db.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	runner, err := migrations.NewRunner(ctx, db, cfg.Target,
		migrations.WithMigrationTable(cfg.MigrationTable),
		migrations.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	defer func() {
		_ = runner.Close()
	}()

	return executeCommand(command, runner, in, os.Stdout)
}

// executeCommand runs the specified migration command.
func executeCommand(command string, runner *migrations.Runner, in io.Reader, out io.Writer) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		status, err := runner.Status()
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(out, "target=%s version=%d latest=%d pending=%d dirty=%t\n",
			status.Target, status.Version, status.Latest, status.Pending, status.Dirty)

		return err
	case "version":
		v, dirty, err := runner.Version()
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(out, "%d (dirty=%t)\n", v, dirty)

		return err
	case "drop":
		if !confirm(in, out) {
			_, err := fmt.Fprintln(out, "Operation cancelled.")

			return err
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func confirm(in io.Reader, out io.Writer) bool {
	_, _ = fmt.Fprint(out, "WARNING: This will drop all tables. Are you sure? (y/N): ")

	answer, _ := bufio.NewReader(in).ReadString('\n')

	return strings.EqualFold(strings.TrimSpace(answer), "y")
}

func printUsage() {
	fmt.Printf(`%s v%s - database migration tool for edgedetect

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Roll back the last migration
    status  Show applied and latest versions
    version Show current migration version
    drop    Drop all tables (requires confirmation)

OPTIONS:
    -target    primary (PostgreSQL, default) or cache (SQLite)
    -help      Show this help message
    -version   Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL           PostgreSQL connection string (primary target)
    EDGEDETECT_CACHE_PATH  SQLite cache file (cache target)
    MIGRATION_TARGET       Default target when -target is not given
    MIGRATION_TABLE        Version table name (default: schema_migrations)
`, name, version, name)
}
