package queue

import (
	"context"
	"database/sql"
	"log/slog"
)

// Open builds the broker selected by cfg.Backend. db is only used by the
// postgres backend and may be nil otherwise.
func Open(ctx context.Context, cfg *Config, db *sql.DB, logger *slog.Logger) (Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendPostgres:
		return NewPostgres(db, cfg, logger)
	case BackendKafka:
		return NewKafka(ctx, cfg, logger)
	default:
		return NewMemory(cfg.CleanupInterval, logger), nil
	}
}
