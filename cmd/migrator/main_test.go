package main

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/edgedetect/internal/storage"
	"github.com/correlator-io/edgedetect/migrations"
)

func newCacheRunner(t *testing.T) (*migrations.Runner, *sql.DB) {
	t.Helper()

	cache := &storage.CacheConfig{Path: filepath.Join(t.TempDir(), "cache.db")}

	db, err := sql.Open("sqlite", cache.DSN())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	runner, err := migrations.NewRunner(context.Background(), db, migrations.TargetCache,
		migrations.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = runner.Close()
	})

	return runner, db
}

func TestExecuteCommand_Cache(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner, db := newCacheRunner(t)

	var out bytes.Buffer

	require.NoError(t, executeCommand("status", runner, strings.NewReader(""), &out))
	assert.Contains(t, out.String(), "version=0 latest=1 pending=1")

	require.NoError(t, executeCommand("up", runner, strings.NewReader(""), &out))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM cache_detections").Scan(&count))
	assert.Zero(t, count)

	out.Reset()
	require.NoError(t, executeCommand("version", runner, strings.NewReader(""), &out))
	assert.Equal(t, "1 (dirty=false)\n", out.String())

	require.NoError(t, executeCommand("down", runner, strings.NewReader(""), &out))

	err := db.QueryRow("SELECT COUNT(*) FROM cache_detections").Scan(&count)
	require.Error(t, err, "table is gone after down")
}

func TestExecuteCommand_DropNeedsConfirmation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner, db := newCacheRunner(t)
	require.NoError(t, runner.Up())

	var out bytes.Buffer

	require.NoError(t, executeCommand("drop", runner, strings.NewReader("n\n"), &out))
	assert.Contains(t, out.String(), "Operation cancelled.")

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM cache_detections").Scan(&count))
}

func TestExecuteCommand_Unknown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner, _ := newCacheRunner(t)

	err := executeCommand("sideways", runner, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestRun_CacheTarget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), "edge.db")
	t.Setenv("EDGEDETECT_CACHE_PATH", path)
	t.Setenv("MIGRATION_TABLE", "")

	require.NoError(t, run("up", "cache", strings.NewReader(""), slog.New(slog.DiscardHandler)))

	// Applying again is a no-op.
	require.NoError(t, run("up", "cache", strings.NewReader(""), slog.New(slog.DiscardHandler)))

	cache, err := storage.OpenCacheStore(context.Background(), &storage.CacheConfig{Path: path, MaxRows: 10},
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, cache.Close())
}
