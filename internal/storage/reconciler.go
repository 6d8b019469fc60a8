package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type (
	// Reconciler replicates unsynced cache rows to the primary store.
	//
	// Each pass walks the backlog oldest-first and stops at the first failure,
	// so a row is never replicated ahead of an older one that is still pending.
	// The pause between passes resets to the floor after every successful row
	// and doubles after a failure, up to the ceiling. After any pass that synced
	// at least one row the cache is pruned back to its bound.
	Reconciler struct {
		cache   *CacheStore
		primary Primary
		config  *ReconcilerConfig
		logger  *slog.Logger

		mu    sync.Mutex // serialises passes
		delay *syncDelay
	}

	// PassResult describes one reconciliation pass.
	PassResult struct {
		Pending   int           // unsynced rows found at the start of the pass
		Synced    int           // rows replicated in this pass
		Pruned    int64         // rows removed by the post-pass prune
		Err       error         // first failure, if the pass stopped early
		NextDelay time.Duration // pause before the next pass
	}
)

// NewReconciler creates a reconciliation loop. Run starts it.
func NewReconciler(cache *CacheStore, primary Primary, cfg *ReconcilerConfig, logger *slog.Logger) (*Reconciler, error) {
	if cache == nil {
		return nil, ErrNoCache
	}

	if primary == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cfg == nil {
		cfg = DefaultReconcilerConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Reconciler{
		cache:   cache,
		primary: primary,
		config:  cfg,
		logger:  logger,
		delay:   newSyncDelay(cfg.Floor, cfg.Ceiling),
	}, nil
}

// Run prunes the cache once, then alternates passes and pauses until ctx is
// cancelled. Failures are logged and retried, never returned.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Started reconciliation loop",
		slog.Duration("floor", r.config.Floor),
		slog.Duration("ceiling", r.config.Ceiling),
		slog.Int("max_rows", r.config.MaxRows),
	)

	r.prune(ctx)

	for {
		result := r.RunPass(ctx)

		timer := time.NewTimer(result.NextDelay)

		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("Stopping reconciliation loop")

			return nil
		case <-timer.C:
		}
	}
}

// RunPass performs a single pass over the backlog.
func (r *Reconciler) RunPass(ctx context.Context) PassResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result PassResult

	pending, err := r.cache.GetUnsynced(ctx)
	if err != nil {
		r.logger.Error("Failed to read reconciliation backlog", slog.String("error", err.Error()))

		result.Err = err
		result.NextDelay = r.delay.Fail()

		return result
	}

	result.Pending = len(pending)

	for _, rec := range pending {
		if ctx.Err() != nil {
			result.Err = ctx.Err()

			break
		}

		canonicalID, err := r.primary.Insert(ctx, rec.RecordKey, rec.ImagePath, rec.Payload, rec.CreatedAt)
		if err != nil {
			result.Err = err
			next := r.delay.Fail()

			r.logger.Warn("Reconciliation pass stopped, primary store rejected write",
				slog.Int64("local_id", rec.ID),
				slog.Int("synced", result.Synced),
				slog.Int("remaining", len(pending)-result.Synced),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)

			break
		}

		if err := r.cache.MarkSynced(ctx, rec.ID, canonicalID); err != nil {
			result.Err = err
			next := r.delay.Fail()

			r.logger.Error("Reconciliation pass stopped, failed to mark detection synced",
				slog.Int64("local_id", rec.ID),
				slog.Int64("canonical_id", canonicalID),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)

			break
		}

		result.Synced++

		r.delay.Reset()
	}

	if result.Synced > 0 {
		result.Pruned = r.prune(ctx)

		r.logger.Info("Reconciliation pass completed",
			slog.Int("pending", result.Pending),
			slog.Int("synced", result.Synced),
			slog.Int64("pruned", result.Pruned),
		)
	}

	result.NextDelay = r.delay.Current()

	return result
}

// Delay returns the pause that will follow the most recent pass.
func (r *Reconciler) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.delay.Current()
}

func (r *Reconciler) prune(ctx context.Context) int64 {
	pruned, err := r.cache.Prune(ctx, r.config.MaxRows)
	if err != nil {
		r.logger.Error("Failed to prune cache",
			slog.Int("max_rows", r.config.MaxRows),
			slog.String("error", err.Error()),
		)

		return 0
	}

	if pruned > 0 {
		r.logger.Debug("Pruned cache", slog.Int64("rows_deleted", pruned), slog.Int("max_rows", r.config.MaxRows))
	}

	return pruned
}
