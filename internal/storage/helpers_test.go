package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/correlator-io/edgedetect/internal/detection"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestCache opens a file-backed cache in a temp dir. An in-memory SQLite
// database is per-connection, so a file is needed for a pooled handle.
func newTestCache(t *testing.T) *CacheStore {
	t.Helper()

	cache, err := OpenCacheStore(context.Background(), &CacheConfig{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		MaxRows: defaultCacheMaxRows,
	}, discardLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cache.Close()
	})

	return cache
}

// fakePrimary is an in-memory Primary with failure injection.
type fakePrimary struct {
	mu       sync.Mutex
	nextID   int64
	byKey    map[string]int64
	rows     map[int64]*detection.Record
	down     bool
	failFor  map[string]bool // image paths whose insert fails
	inserts  []string        // image paths in attempted order
	getCalls int
}

func newFakePrimary() *fakePrimary {
	return &fakePrimary{
		byKey:   make(map[string]int64),
		rows:    make(map[int64]*detection.Record),
		failFor: make(map[string]bool),
	}
}

func (f *fakePrimary) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.down = down
}

func (f *fakePrimary) failImage(imagePath string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failFor[imagePath] = fail
}

func (f *fakePrimary) Insert(
	_ context.Context,
	recordKey, imagePath string,
	payload detection.Payload,
	createdAt int64,
) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts = append(f.inserts, imagePath)

	if f.down || f.failFor[imagePath] {
		return 0, fmt.Errorf("%w: insert: connection refused", detection.ErrConnectivity)
	}

	if id, ok := f.byKey[recordKey]; ok {
		return id, nil
	}

	f.nextID++
	id := f.nextID
	f.byKey[recordKey] = id
	f.rows[id] = &detection.Record{
		ID:        id,
		RecordKey: recordKey,
		ImagePath: imagePath,
		Payload:   payload,
		CreatedAt: createdAt,
		Synced:    true,
	}

	return id, nil
}

func (f *fakePrimary) Get(_ context.Context, id int64) (*detection.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++

	if f.down {
		return nil, false, fmt.Errorf("%w: get: connection refused", detection.ErrConnectivity)
	}

	rec, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}

	clone := *rec

	return &clone, true, nil
}

func (f *fakePrimary) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		return fmt.Errorf("%w: ping", detection.ErrConnectivity)
	}

	return nil
}

func (f *fakePrimary) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.rows)
}

func (f *fakePrimary) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.inserts...)
}

func (f *fakePrimary) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.getCalls
}

// cacheRecord inserts an unsynced row with an explicit timestamp.
func cacheRecord(t *testing.T, cache *CacheStore, imagePath string, createdAt int64) int64 {
	t.Helper()

	id, err := cache.Insert(context.Background(), &detection.Record{
		ImagePath: imagePath,
		Payload:   detection.Payload(`[]`),
		CreatedAt: createdAt,
	}, nil)
	require.NoError(t, err)
	require.Less(t, id, int64(0), "unsynced inserts must return a local id")

	return id
}
