package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/correlator-io/edgedetect/migrations"
)

// ErrNoDatabaseConnection is returned when a store is constructed without a connection.
var ErrNoDatabaseConnection = errors.New("database connection is nil")

// Connection wraps a pooled PostgreSQL handle.
type Connection struct {
	*sql.DB
}

// NewConnection opens a PostgreSQL pool with the configured limits and verifies it with a ping.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, classifyPrimaryError("ping", err)
	}

	return &Connection{DB: db}, nil
}

// ConnectWithRetry connects to PostgreSQL and applies the primary schema, retrying
// a bounded number of times with a fixed delay. It exists for deployments where
// the database container starts after the service.
func ConnectWithRetry(ctx context.Context, cfg *Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	attempt := 0
	operation := func() (*Connection, error) {
		attempt++

		conn, err := NewConnection(cfg)
		if err != nil {
			return nil, err
		}

		if err := migrations.Up(ctx, conn.DB, migrations.TargetPrimary, migrations.WithLogger(logger)); err != nil {
			_ = conn.Close()

			return nil, fmt.Errorf("%w: failed to apply primary schema: %w", ErrSchema, err)
		}

		return conn, nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ConnectRetryDelay), uint64(cfg.ConnectRetries)), //nolint: gosec
		ctx,
	)

	notify := func(err error, next time.Duration) {
		logger.Warn("Primary store not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", cfg.ConnectRetries),
			slog.Duration("retry_in", next),
			slog.String("database_url", cfg.MaskDatabaseURL()),
			slog.String("error", err.Error()),
		)
	}

	conn, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		return nil, fmt.Errorf("primary store unavailable after %d attempts: %w", attempt, err)
	}

	logger.Info("Connected to primary store",
		slog.Int("attempts", attempt),
		slog.String("database_url", cfg.MaskDatabaseURL()),
	)

	return conn, nil
}

// HealthCheck pings the database with the caller's deadline.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	if err := c.PingContext(ctx); err != nil {
		return classifyPrimaryError("health check", err)
	}

	return nil
}

// Close closes the pool. Safe to call on a nil connection.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}
