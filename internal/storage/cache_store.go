package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/correlator-io/edgedetect/internal/detection"
	"github.com/correlator-io/edgedetect/migrations"
)

var (
	// ErrInvalidLocalID is returned when MarkSynced is given an id outside the local id space.
	ErrInvalidLocalID = errors.New("local id must be negative")

	// ErrInvalidCanonicalID is returned when a canonical id is not positive.
	ErrInvalidCanonicalID = errors.New("canonical id must be positive")

	// ErrNilRecord is returned when Insert is called without a record.
	ErrNilRecord = errors.New("record is nil")
)

const cacheColumns = `local_id, canonical_id, record_key, image_path, detection_data, created_at, synced`

type (
	// CacheStore is the bounded SQLite edge cache. Every write lands here first.
	//
	// Local ids are the negated SQLite row ids so they never collide with
	// canonical ids from the primary store. A row keeps its local id after it is
	// marked synced, so ids handed out before replication keep resolving.
	CacheStore struct {
		db     *sql.DB
		logger *slog.Logger
	}

	// CacheStats summarises the cache for readiness reporting.
	CacheStats struct {
		Rows     int64 `json:"rows"`
		Unsynced int64 `json:"unsynced"`
	}
)

// OpenCacheStore opens (creating if needed) the SQLite cache and applies its schema.
func OpenCacheStore(ctx context.Context, cfg *CacheConfig, logger *slog.Logger) (*CacheStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open cache: %w", detection.ErrStorage, err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultCacheMaxConns
	}

	db.SetMaxOpenConns(maxConns)

	if err := migrations.Up(ctx, db, migrations.TargetCache, migrations.WithLogger(logger)); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: failed to apply cache schema: %w", detection.ErrStorage, err)
	}

	return &CacheStore{db: db, logger: logger}, nil
}

// Insert stores rec and returns its id.
//
// Without canonicalID the row is unsynced and the returned id is local (negative).
// With canonicalID the row is stored already synced under that id; this is the
// read-through backfill path and is a no-op when the canonical id, or the
// record key, is already cached.
func (c *CacheStore) Insert(ctx context.Context, rec *detection.Record, canonicalID *int64) (int64, error) {
	if rec == nil {
		return 0, ErrNilRecord
	}

	if rec.RecordKey == "" {
		rec.RecordKey = uuid.NewString()
	}

	payload := rec.Payload.String()

	if canonicalID == nil {
		var localID int64

		err := c.db.QueryRowContext(ctx, `
			INSERT INTO cache_detections (record_key, image_path, detection_data, created_at, synced)
			VALUES (?, ?, ?, ?, 0)
			RETURNING local_id`,
			rec.RecordKey, rec.ImagePath, payload, rec.CreatedAt,
		).Scan(&localID)
		if err != nil {
			return 0, fmt.Errorf("%w: cache insert failed: %w", detection.ErrStorage, err)
		}

		return -localID, nil
	}

	if *canonicalID <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidCanonicalID, *canonicalID)
	}

	result, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_detections (canonical_id, record_key, image_path, detection_data, created_at, synced)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT DO NOTHING`,
		*canonicalID, rec.RecordKey, rec.ImagePath, payload, rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: cache backfill failed: %w", detection.ErrStorage, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		// The record key is cached but still unsynced: the primary already has it
		// (an earlier MarkSynced was lost), so adopt the canonical id now.
		if _, err := c.db.ExecContext(ctx, `
			UPDATE cache_detections SET canonical_id = ?, synced = 1
			WHERE record_key = ? AND canonical_id IS NULL`,
			*canonicalID, rec.RecordKey,
		); err != nil {
			return 0, fmt.Errorf("%w: cache backfill failed: %w", detection.ErrStorage, err)
		}
	}

	return *canonicalID, nil
}

// Get looks up a record by local (negative) or canonical (positive) id.
// Returns (nil, false, nil) when the id is not cached.
func (c *CacheStore) Get(ctx context.Context, id int64) (*detection.Record, bool, error) {
	var (
		query string
		arg   int64
	)

	switch {
	case detection.IsLocalID(id):
		query = `SELECT ` + cacheColumns + ` FROM cache_detections WHERE local_id = ?`
		arg = -id
	case id > 0:
		query = `SELECT ` + cacheColumns + ` FROM cache_detections WHERE canonical_id = ?`
		arg = id
	default:
		return nil, false, nil
	}

	rec, err := scanCacheRecord(c.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("%w: cache get failed: %w", detection.ErrStorage, err)
	}

	return rec, true, nil
}

// GetRecent returns up to limit records, newest first.
func (c *CacheStore) GetRecent(ctx context.Context, limit int) ([]*detection.Record, error) {
	if limit <= 0 {
		return []*detection.Record{}, nil
	}

	return c.query(ctx, `
		SELECT `+cacheColumns+` FROM cache_detections
		ORDER BY created_at DESC, local_id DESC
		LIMIT ?`, limit)
}

// GetUnsynced returns every record not yet replicated, oldest first.
func (c *CacheStore) GetUnsynced(ctx context.Context) ([]*detection.Record, error) {
	return c.query(ctx, `
		SELECT `+cacheColumns+` FROM cache_detections
		WHERE synced = 0
		ORDER BY created_at ASC, local_id ASC`)
}

// MarkSynced records the canonical id for a local row and flips it to synced
// in a single statement.
func (c *CacheStore) MarkSynced(ctx context.Context, localID, canonicalID int64) error {
	if !detection.IsLocalID(localID) {
		return fmt.Errorf("%w: got %d", ErrInvalidLocalID, localID)
	}

	if canonicalID <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidCanonicalID, canonicalID)
	}

	result, err := c.db.ExecContext(ctx, `
		UPDATE cache_detections SET canonical_id = ?, synced = 1
		WHERE local_id = ?`,
		canonicalID, -localID,
	)
	if err != nil {
		return fmt.Errorf("%w: mark synced failed: %w", detection.ErrStorage, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: local id %d", detection.ErrNotFound, localID)
	}

	return nil
}

// Prune keeps the maxRows newest records and deletes the rest, synced or not.
// Returns the number of deleted rows.
func (c *CacheStore) Prune(ctx context.Context, maxRows int) (int64, error) {
	if maxRows < 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidMaxRows, maxRows)
	}

	result, err := c.db.ExecContext(ctx, `
		DELETE FROM cache_detections
		WHERE local_id NOT IN (
			SELECT local_id FROM cache_detections
			ORDER BY created_at DESC, local_id DESC
			LIMIT ?
		)`, maxRows)
	if err != nil {
		return 0, fmt.Errorf("%w: prune failed: %w", detection.ErrStorage, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, nil //nolint: nilerr // row count is informational
	}

	return deleted, nil
}

// Stats returns row counts for readiness reporting.
func (c *CacheStore) Stats(ctx context.Context) (*CacheStats, error) {
	var stats CacheStats

	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0)
		FROM cache_detections`,
	).Scan(&stats.Rows, &stats.Unsynced)
	if err != nil {
		return nil, fmt.Errorf("%w: cache stats failed: %w", detection.ErrStorage, err)
	}

	return &stats, nil
}

// HealthCheck verifies the cache database is usable.
func (c *CacheStore) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", detection.ErrStorage, err)
	}

	return nil
}

// Close closes the SQLite handle.
func (c *CacheStore) Close() error {
	return c.db.Close()
}

func (c *CacheStore) query(ctx context.Context, query string, args ...any) ([]*detection.Record, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: cache query failed: %w", detection.ErrStorage, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]*detection.Record, 0)

	for rows.Next() {
		rec, err := scanCacheRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: cache scan failed: %w", detection.ErrStorage, err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: cache query failed: %w", detection.ErrStorage, err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheRecord(row rowScanner) (*detection.Record, error) {
	var (
		localID     int64
		canonicalID sql.NullInt64
		payload     string
		synced      int
		rec         detection.Record
	)

	if err := row.Scan(&localID, &canonicalID, &rec.RecordKey, &rec.ImagePath, &payload, &rec.CreatedAt, &synced); err != nil {
		return nil, err
	}

	rec.Payload = detection.Payload(payload)
	rec.Synced = synced != 0

	if rec.Synced && canonicalID.Valid {
		rec.ID = canonicalID.Int64
	} else {
		rec.ID = -localID
	}

	return &rec, nil
}
