package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/edgedetect/internal/detection"
	"github.com/correlator-io/edgedetect/internal/dispatch"
	"github.com/correlator-io/edgedetect/internal/engine"
	"github.com/correlator-io/edgedetect/internal/objectstore"
	"github.com/correlator-io/edgedetect/internal/queue"
)

const (
	jobQueue     = "model_request_queue"
	resultPrefix = "model_result_queue"
)

type harness struct {
	broker  *queue.Memory
	objects *objectstore.Filesystem
	worker  *Worker
	cancel  context.CancelFunc
	done    chan error
}

// echoEngine reports the image content as the detection name.
func echoEngine() engine.Engine {
	return engine.Func(func(_ context.Context, imagePath string) (detection.Payload, error) {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return nil, err
		}

		return detection.NewPayload([]detection.Detection{{Name: string(data), Confidence: 0.9}})
	})
}

func newHarness(t *testing.T, eng engine.Engine, mutate func(*Config)) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	broker := queue.NewMemory(time.Hour, logger)

	objects, err := objectstore.NewFilesystem(filepath.Join(t.TempDir(), "images"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PopTimeout = 50 * time.Millisecond
	cfg.TempDir = t.TempDir()
	cfg.ErrorDelay = 10 * time.Millisecond

	if mutate != nil {
		mutate(cfg)
	}

	w, err := New(broker, eng, objects, cfg, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = broker.Close()
	})

	return &harness{broker: broker, objects: objects, worker: w}
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)

	go func() {
		h.done <- h.worker.Run(ctx)
	}()

	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}

	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) pushJob(t *testing.T, job *queue.JobEnvelope) {
	t.Helper()

	data, err := job.Encode()
	require.NoError(t, err)
	require.NoError(t, h.broker.Push(context.Background(), jobQueue, data, 0))
}

func (h *harness) popResult(t *testing.T, requestID string, timeout time.Duration) (*queue.ResultEnvelope, error) {
	t.Helper()

	data, err := h.broker.Pop(context.Background(), queue.ResultKey(resultPrefix, requestID), timeout)
	if err != nil {
		return nil, err
	}

	return queue.DecodeResult(data)
}

func TestWorker_ProcessesJob(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, echoEngine(), nil)
	h.start(t)

	h.pushJob(t, &queue.JobEnvelope{RequestID: "req-1", Filename: "cat.jpg", ImageBytes: []byte("cat")})

	result, err := h.popResult(t, "req-1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "req-1", result.RequestID)
	assert.Equal(t, "cat.jpg", result.Filename)
	assert.Equal(t, objectstore.Key("cat.jpg", []byte("cat")), result.ImagePath)
	assert.JSONEq(t, `[{"name":"cat","class":0,"confidence":0.9,"box":{"x1":0,"y1":0,"x2":0,"y2":0}}]`,
		string(result.Detections))

	stored, err := h.objects.Get(context.Background(), result.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("cat"), stored)

	assert.Eventually(t, func() bool {
		return h.worker.Stats().Processed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_UsesProvidedStorageKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, echoEngine(), nil)
	h.start(t)

	h.pushJob(t, &queue.JobEnvelope{
		RequestID:  "req-key",
		Filename:   "dog.jpg",
		ImageBytes: []byte("dog"),
		StorageKey: "uploads/dog.jpg",
	})

	result, err := h.popResult(t, "req-key", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "uploads/dog.jpg", result.ImagePath)
}

func TestWorker_DropsFailedJobAndContinues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	failing := engine.Func(func(ctx context.Context, imagePath string) (detection.Payload, error) {
		data, _ := os.ReadFile(imagePath)
		if string(data) == "bad" {
			return nil, errors.New("engine exited with status 1")
		}

		return echoEngine().Infer(ctx, imagePath)
	})

	h := newHarness(t, failing, nil)
	h.start(t)

	h.pushJob(t, &queue.JobEnvelope{RequestID: "req-bad", Filename: "a.jpg", ImageBytes: []byte("bad")})
	h.pushJob(t, &queue.JobEnvelope{RequestID: "req-good", Filename: "b.jpg", ImageBytes: []byte("good")})

	_, err := h.popResult(t, "req-good", 2*time.Second)
	require.NoError(t, err)

	// No result is published for the dropped job
	_, err = h.popResult(t, "req-bad", 100*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrEmpty)

	assert.Eventually(t, func() bool {
		stats := h.worker.Stats()

		return stats.Processed == 1 && stats.Failed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_ReportsFailureWhenConfigured(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	failing := engine.Func(func(context.Context, string) (detection.Payload, error) {
		return nil, errors.New("model not loaded")
	})

	h := newHarness(t, failing, func(c *Config) { c.ReportFailures = true })
	h.start(t)

	h.pushJob(t, &queue.JobEnvelope{RequestID: "req-fail", Filename: "a.jpg", ImageBytes: []byte("x")})

	result, err := h.popResult(t, "req-fail", 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "model not loaded")
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls sync.Map

	panicking := engine.Func(func(ctx context.Context, imagePath string) (detection.Payload, error) {
		data, _ := os.ReadFile(imagePath)
		if _, seen := calls.LoadOrStore(string(data), true); !seen && string(data) == "boom" {
			panic("index out of range")
		}

		return echoEngine().Infer(ctx, imagePath)
	})

	h := newHarness(t, panicking, func(c *Config) { c.ReportFailures = true })
	h.start(t)

	h.pushJob(t, &queue.JobEnvelope{RequestID: "req-panic", Filename: "a.jpg", ImageBytes: []byte("boom")})
	h.pushJob(t, &queue.JobEnvelope{RequestID: "req-after", Filename: "b.jpg", ImageBytes: []byte("fine")})

	failure, err := h.popResult(t, "req-panic", 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, failure.Error, "panicked")

	_, err = h.popResult(t, "req-after", 2*time.Second)
	require.NoError(t, err, "the loop keeps running after a panic")
}

func TestWorker_DropsMalformedJob(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, echoEngine(), nil)
	h.start(t)

	require.NoError(t, h.broker.Push(context.Background(), jobQueue, []byte("{not json"), 0))
	h.pushJob(t, &queue.JobEnvelope{RequestID: "req-ok", Filename: "a.jpg", ImageBytes: []byte("ok")})

	_, err := h.popResult(t, "req-ok", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.worker.Stats().Failed)
}

func TestWorker_RemovesTempFiles(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tempDir := t.TempDir()
	h := newHarness(t, echoEngine(), func(c *Config) { c.TempDir = tempDir })

	result, err := h.worker.Process(context.Background(),
		&queue.JobEnvelope{RequestID: "req-tmp", Filename: "a.png", ImageBytes: []byte("png")})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ImagePath)

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorker_StopsWhenBrokerCloses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, echoEngine(), func(c *Config) { c.PopTimeout = time.Minute })

	done := make(chan error, 1)

	go func() {
		done <- h.worker.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.broker.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after broker close")
	}
}

// TestWorker_ConcurrentDispatchers runs callers through a real dispatcher
// against a pool of worker goroutines; each caller must get its own result.
func TestWorker_ConcurrentDispatchers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, echoEngine(), func(c *Config) { c.Concurrency = 4 })
	h.start(t)

	cfg := dispatch.DefaultConfig()
	cfg.Timeout = 5 * time.Second

	d, err := dispatch.New(h.broker, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = d.Close()
	})

	const callers = 12

	var wg sync.WaitGroup

	errs := make([]error, callers)
	names := make([]string, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			content := fmt.Sprintf("frame-%02d", i)

			result, err := d.Dispatch(context.Background(), dispatch.Job{
				Filename: content + ".jpg",
				Image:    []byte(content),
			})
			if err != nil {
				errs[i] = err

				return
			}

			detections, err := result.Payload.Detections()
			if err != nil || len(detections) != 1 {
				errs[i] = fmt.Errorf("unexpected payload %s: %w", result.Payload, err)

				return
			}

			names[i] = detections[0].Name
		}()
	}

	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("frame-%02d", i), names[i])
	}
}

func TestNew_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.DiscardHandler)
	broker := queue.NewMemory(time.Hour, logger)

	t.Cleanup(func() {
		_ = broker.Close()
	})

	objects, err := objectstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = New(nil, echoEngine(), objects, nil, logger)
	require.ErrorIs(t, err, ErrNoBroker)

	_, err = New(broker, nil, objects, nil, logger)
	require.ErrorIs(t, err, ErrNoEngine)

	_, err = New(broker, echoEngine(), nil, nil, logger)
	require.ErrorIs(t, err, ErrNoObjectStore)

	cfg := DefaultConfig()
	cfg.Concurrency = 0

	_, err = New(broker, echoEngine(), objects, cfg, logger)
	require.ErrorIs(t, err, ErrInvalidConcurrency)
}
