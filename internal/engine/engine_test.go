package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/edgedetect/internal/detection"
)

// writeImage writes content to a file the test command reads back as "detections".
func writeImage(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "frame.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	return path
}

func newTestEngine(t *testing.T, cfg *Config) *CommandEngine {
	t.Helper()

	e, err := NewCommandEngine(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return e
}

func TestCommandEngine_FiltersByThreshold(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := newTestEngine(t, &Config{
		Command:             []string{"cat"},
		ConfidenceThreshold: 0.5,
		Timeout:             5 * time.Second,
		ClassNames:          map[int]string{16: "dog"},
	})

	image := writeImage(t, `[
		{"name":"person","class":0,"confidence":0.91,"box":{"x1":1,"y1":2,"x2":3,"y2":4}},
		{"name":"","class":16,"confidence":0.55,"box":{"x1":0,"y1":0,"x2":1,"y2":1}},
		{"name":"cup","class":41,"confidence":0.2,"box":{"x1":0,"y1":0,"x2":1,"y2":1}}
	]`)

	payload, err := e.Infer(context.Background(), image)
	require.NoError(t, err)

	detections, err := payload.Detections()
	require.NoError(t, err)
	require.Len(t, detections, 2)
	assert.Equal(t, "person", detections[0].Name)
	assert.Equal(t, "dog", detections[1].Name, "class name filled from config")
}

func TestCommandEngine_EmptyOutput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := newTestEngine(t, &Config{Command: []string{"cat"}, Timeout: 5 * time.Second})

	payload, err := e.Infer(context.Background(), writeImage(t, "[]"))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(payload))
}

func TestCommandEngine_MalformedOutput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := newTestEngine(t, &Config{Command: []string{"cat"}, Timeout: 5 * time.Second})

	_, err := e.Infer(context.Background(), writeImage(t, "not json"))
	require.ErrorIs(t, err, detection.ErrSerialization)
}

func TestCommandEngine_CommandFails(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := newTestEngine(t, &Config{
		Command: []string{"sh", "-c", "echo model not loaded >&2; exit 3", "engine"},
		Timeout: 5 * time.Second,
	})

	_, err := e.Infer(context.Background(), "/tmp/frame.jpg")
	require.ErrorIs(t, err, ErrEngineFailed)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestCommandEngine_Timeout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := newTestEngine(t, &Config{
		Command: []string{"sh", "-c", "exec sleep 5", "engine"},
		Timeout: 100 * time.Millisecond,
	})

	start := time.Now()
	_, err := e.Infer(context.Background(), "/tmp/frame.jpg")

	require.ErrorIs(t, err, ErrEngineFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestNewCommandEngine_RequiresCommand(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewCommandEngine(&Config{}, slog.New(slog.DiscardHandler))
	require.ErrorIs(t, err, ErrNoCommand)
}

func TestFunc_Infer(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var e Engine = Func(func(_ context.Context, imagePath string) (detection.Payload, error) {
		return detection.Payload(`[{"name":"` + filepath.Base(imagePath) + `"}]`), nil
	})

	payload, err := e.Infer(context.Background(), "/x/cat.jpg")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"cat.jpg"}]`, string(payload))
}
