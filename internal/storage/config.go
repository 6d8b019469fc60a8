package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/correlator-io/edgedetect/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	defaultConnectRetries    = 10
	defaultConnectRetryDelay = 3 * time.Second
	defaultPingTimeout       = 5 * time.Second

	defaultCachePath        = "edgedetect-cache.db"
	defaultCacheMaxRows     = 100
	defaultCacheBusyTimeout = 5 * time.Second
	defaultCacheMaxConns    = 4

	defaultBackoffFloor   = 5 * time.Second
	defaultBackoffCeiling = 300 * time.Second
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrCachePathEmpty is returned when the cache database path is empty.
	ErrCachePathEmpty = errors.New("cache path cannot be empty")

	// ErrInvalidMaxRows is returned when the cache bound is not positive.
	ErrInvalidMaxRows = errors.New("cache max rows must be positive")

	// ErrInvalidBackoff is returned when the reconciliation backoff bounds are inconsistent.
	ErrInvalidBackoff = errors.New("backoff floor must be positive and not exceed the ceiling")

	// ErrInvalidRetry is returned when startup retry settings are negative.
	ErrInvalidRetry = errors.New("connect retries and delay must not be negative")
)

type (
	// Config holds PostgreSQL connection configuration with production-ready defaults.
	Config struct {
		databaseURL       string
		MaxOpenConns      int           // Maximum number of open connections
		MaxIdleConns      int           // Maximum number of idle connections
		ConnMaxLifetime   time.Duration // Maximum lifetime of connections
		ConnMaxIdleTime   time.Duration // Maximum idle time for connections
		ConnectRetries    int           // Startup attempts after the first failure
		ConnectRetryDelay time.Duration // Fixed delay between startup attempts
	}

	// CacheConfig holds the embedded SQLite edge cache configuration.
	CacheConfig struct {
		Path        string        // Database file path
		MaxRows     int           // Retention bound enforced by Prune
		BusyTimeout time.Duration // How long a writer waits for the SQLite lock
		MaxConns    int           // Pool size for the shared handle
	}

	// ReconcilerConfig holds the cache-to-primary replication settings.
	ReconcilerConfig struct {
		Enabled bool
		Floor   time.Duration // Delay after a successful pass
		Ceiling time.Duration // Upper bound for the doubling delay
		MaxRows int           // Cache bound applied after a pass that synced rows
	}
)

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:       config.GetEnvStr("DATABASE_URL", ""), // DatabaseURL is private for obvious reasons.
		MaxOpenConns:      config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:      config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:   config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:   config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		ConnectRetries:    config.GetEnvInt("DATABASE_CONNECT_RETRIES", defaultConnectRetries),
		ConnectRetryDelay: config.GetEnvDuration("DATABASE_CONNECT_RETRY_DELAY", defaultConnectRetryDelay),
	}
}

// NewConfig builds a Config for an explicit URL with default pool settings.
// Used by tests and tools that do not read the environment.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:       databaseURL,
		MaxOpenConns:      defaultMaxOpenConns,
		MaxIdleConns:      defaultMaxIdleConns,
		ConnMaxLifetime:   defaultConnMaxLifetime,
		ConnMaxIdleTime:   defaultConnMaxIdleTime,
		ConnectRetries:    defaultConnectRetries,
		ConnectRetryDelay: defaultConnectRetryDelay,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.ConnectRetries < 0 || c.ConnectRetryDelay < 0 {
		return fmt.Errorf("%w: retries=%d delay=%v", ErrInvalidRetry, c.ConnectRetries, c.ConnectRetryDelay)
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return c.databaseURL
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}

// LoadCacheConfig loads the edge cache configuration from environment variables.
func LoadCacheConfig() *CacheConfig {
	return &CacheConfig{
		Path:        config.GetEnvStr("EDGEDETECT_CACHE_PATH", defaultCachePath),
		MaxRows:     config.GetEnvInt("EDGEDETECT_CACHE_MAX_ROWS", defaultCacheMaxRows),
		BusyTimeout: config.GetEnvDuration("EDGEDETECT_CACHE_BUSY_TIMEOUT", defaultCacheBusyTimeout),
		MaxConns:    config.GetEnvInt("EDGEDETECT_CACHE_MAX_CONNS", defaultCacheMaxConns),
	}
}

// Validate checks if the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return ErrCachePathEmpty
	}

	if c.MaxRows <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxRows, c.MaxRows)
	}

	return nil
}

// DSN returns the modernc.org/sqlite data source name with WAL and busy timeout
// pragmas applied, and write transactions taking the lock up front.
func (c *CacheConfig) DSN() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultCacheBusyTimeout
	}

	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		c.Path, busy.Milliseconds(),
	)
}

// LoadReconcilerConfig loads the reconciliation loop configuration.
// MaxRows follows the cache bound unless overridden.
func LoadReconcilerConfig(cache *CacheConfig) *ReconcilerConfig {
	maxRows := defaultCacheMaxRows
	if cache != nil && cache.MaxRows > 0 {
		maxRows = cache.MaxRows
	}

	return &ReconcilerConfig{
		Enabled: config.GetEnvBool("EDGEDETECT_RECONCILER_ENABLED", true),
		Floor:   config.GetEnvDuration("EDGEDETECT_RECONCILER_FLOOR", defaultBackoffFloor),
		Ceiling: config.GetEnvDuration("EDGEDETECT_RECONCILER_CEILING", defaultBackoffCeiling),
		MaxRows: config.GetEnvInt("EDGEDETECT_RECONCILER_MAX_ROWS", maxRows),
	}
}

// DefaultReconcilerConfig returns the 5s floor / 300s ceiling / 100 rows defaults.
func DefaultReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		Enabled: true,
		Floor:   defaultBackoffFloor,
		Ceiling: defaultBackoffCeiling,
		MaxRows: defaultCacheMaxRows,
	}
}

// Validate checks if the reconciler configuration is valid.
func (c *ReconcilerConfig) Validate() error {
	if c.Floor <= 0 || c.Ceiling < c.Floor {
		return fmt.Errorf("%w: floor=%v ceiling=%v", ErrInvalidBackoff, c.Floor, c.Ceiling)
	}

	if c.MaxRows <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxRows, c.MaxRows)
	}

	return nil
}
