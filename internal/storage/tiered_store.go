package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/edgedetect/internal/detection"
)

// ErrNoCache is returned when a tiered store or reconciler is built without a cache.
var ErrNoCache = errors.New("cache store is nil")

type (
	// Primary is the subset of PrimaryStore the tiered store and reconciler use.
	Primary interface {
		Insert(ctx context.Context, recordKey, imagePath string, payload detection.Payload, createdAt int64) (int64, error)
		Get(ctx context.Context, id int64) (*detection.Record, bool, error)
		HealthCheck(ctx context.Context) error
	}

	// TieredStore puts the bounded cache in front of the primary store.
	//
	//   - Insert: cache first (must succeed), then best-effort primary write.
	//   - Get: cache first, then primary with read-through backfill.
	//   - GetRecent: cache only.
	//
	// Rows whose primary write failed are replicated later by the Reconciler.
	TieredStore struct {
		cache   *CacheStore
		primary Primary
		logger  *slog.Logger
		now     func() time.Time
	}

	// TieredStoreOption configures optional TieredStore behavior.
	TieredStoreOption func(*TieredStore)
)

var _ detection.Store = (*TieredStore)(nil)

// WithClock overrides the clock used to stamp created_at.
func WithClock(now func() time.Time) TieredStoreOption {
	return func(s *TieredStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTieredStore creates the dual-write façade. Neither store is owned; the
// caller closes them.
func NewTieredStore(cache *CacheStore, primary Primary, logger *slog.Logger, opts ...TieredStoreOption) (*TieredStore, error) {
	if cache == nil {
		return nil, ErrNoCache
	}

	if primary == nil {
		return nil, ErrNoDatabaseConnection
	}

	s := &TieredStore{
		cache:   cache,
		primary: primary,
		logger:  logger,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Insert records a detection and returns its id: canonical when the primary
// accepted the write, local (negative) when it did not. A primary failure is
// never surfaced to the caller; a cache failure is.
func (s *TieredStore) Insert(ctx context.Context, imagePath string, payload detection.Payload) (int64, error) {
	if err := payload.Validate(); err != nil {
		return 0, err
	}

	rec := &detection.Record{
		ImagePath: imagePath,
		Payload:   payload.Normalize(),
		CreatedAt: s.now().Unix(),
		RecordKey: uuid.NewString(),
	}

	localID, err := s.cache.Insert(ctx, rec, nil)
	if err != nil {
		return 0, err
	}

	canonicalID, err := s.primary.Insert(ctx, rec.RecordKey, rec.ImagePath, rec.Payload, rec.CreatedAt)
	if err != nil {
		s.logger.WarnContext(ctx, "Primary store write failed, detection kept in cache for reconciliation",
			slog.Int64("local_id", localID),
			slog.String("image_path", imagePath),
			slog.String("error", err.Error()),
		)

		return localID, nil
	}

	if err := s.cache.MarkSynced(ctx, localID, canonicalID); err != nil {
		// The primary has the row; the reconciler will resolve the same canonical
		// id through the record key.
		s.logger.WarnContext(ctx, "Failed to mark detection synced",
			slog.Int64("local_id", localID),
			slog.Int64("canonical_id", canonicalID),
			slog.String("error", err.Error()),
		)

		return localID, nil
	}

	return canonicalID, nil
}

// Get returns the record for a local or canonical id, or (nil, false, nil) when
// neither tier has it. Local ids are answered from the cache alone.
func (s *TieredStore) Get(ctx context.Context, id int64) (*detection.Record, bool, error) {
	rec, found, err := s.cache.Get(ctx, id)
	if err != nil {
		if detection.IsLocalID(id) {
			return nil, false, err
		}

		s.logger.WarnContext(ctx, "Cache read failed, falling back to primary store",
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
	}

	if found {
		return rec, true, nil
	}

	if id <= 0 {
		return nil, false, nil
	}

	rec, found, err = s.primary.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if !found {
		return nil, false, nil
	}

	canonicalID := rec.ID
	if _, err := s.cache.Insert(ctx, rec, &canonicalID); err != nil {
		s.logger.WarnContext(ctx, "Failed to backfill cache from primary store",
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
	}

	return rec, true, nil
}

// GetRecent returns up to limit of the newest cached records. It never queries
// the primary store.
func (s *TieredStore) GetRecent(ctx context.Context, limit int) ([]*detection.Record, error) {
	return s.cache.GetRecent(ctx, limit)
}

// Stats reports the cache size and replication backlog.
func (s *TieredStore) Stats(ctx context.Context) (*CacheStats, error) {
	return s.cache.Stats(ctx)
}

// HealthCheck reports the cache health. The store keeps accepting writes while
// the primary is down, so primary health is reported separately.
func (s *TieredStore) HealthCheck(ctx context.Context) error {
	return s.cache.HealthCheck(ctx)
}

// PrimaryHealthCheck reports whether the primary store is reachable.
func (s *TieredStore) PrimaryHealthCheck(ctx context.Context) error {
	return s.primary.HealthCheck(ctx)
}
