package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/correlator-io/edgedetect/internal/config"
	"github.com/correlator-io/edgedetect/internal/storage"
	"github.com/correlator-io/edgedetect/migrations"
)

var (
	// ErrDatabaseURLRequired is returned when the primary target has no DATABASE_URL.
	ErrDatabaseURLRequired = errors.New("DATABASE_URL cannot be empty")

	// ErrCachePathRequired is returned when the cache target has no EDGEDETECT_CACHE_PATH.
	ErrCachePathRequired = errors.New("EDGEDETECT_CACHE_PATH cannot be empty")

	// ErrMigrationTableRequired is returned for an empty MIGRATION_TABLE.
	ErrMigrationTableRequired = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds all configuration for the migration tool.
type Config struct {
	Target         migrations.Target
	DatabaseURL    string // PostgreSQL connection string, primary target
	CachePath      string // SQLite file, cache target
	MigrationTable string
}

// LoadConfig loads configuration from environment variables. target comes from
// the -target flag and overrides MIGRATION_TARGET when non-empty.
func LoadConfig(target string) (*Config, error) {
	if strings.TrimSpace(target) == "" {
		target = config.GetEnvStr("MIGRATION_TARGET", string(migrations.TargetPrimary))
	}

	parsed, err := migrations.ParseTarget(target)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Target:         parsed,
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		CachePath:      config.GetEnvStr("EDGEDETECT_CACHE_PATH", storage.LoadCacheConfig().Path),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", migrations.DefaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings the selected target needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.MigrationTable) == "" {
		return ErrMigrationTableRequired
	}

	switch c.Target {
	case migrations.TargetPrimary:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return ErrDatabaseURLRequired
		}
	case migrations.TargetCache:
		if strings.TrimSpace(c.CachePath) == "" {
			return ErrCachePathRequired
		}
	default:
		return fmt.Errorf("%w: %q", migrations.ErrUnknownTarget, string(c.Target))
	}

	return nil
}

// Driver returns the database/sql driver name and DSN for the target.
func (c *Config) Driver() (string, string) {
	if c.Target == migrations.TargetCache {
		cache := &storage.CacheConfig{Path: c.CachePath}

		return "sqlite", cache.DSN()
	}

	return "postgres", c.DatabaseURL
}

// String returns a representation of the configuration that is safe to log.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Target: %s, DatabaseURL: %s, CachePath: %s, MigrationTable: %s}",
		c.Target, storage.NewConfig(c.DatabaseURL).MaskDatabaseURL(), c.CachePath, c.MigrationTable)
}
