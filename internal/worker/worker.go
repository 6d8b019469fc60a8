// Package worker pops detection jobs, runs the engine on each image, stores
// the image and pushes the result to the requester's result list.
//
// Workers compete for the shared job list: start more goroutines with
// EDGEDETECT_WORKER_CONCURRENCY or more processes to scale out. A job that
// fails is logged and dropped; it is not retried.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/correlator-io/edgedetect/internal/detection"
	"github.com/correlator-io/edgedetect/internal/engine"
	"github.com/correlator-io/edgedetect/internal/objectstore"
	"github.com/correlator-io/edgedetect/internal/queue"
)

var (
	// ErrNoEngine is returned when a worker is built without an engine.
	ErrNoEngine = errors.New("worker engine is nil")

	// ErrNoObjectStore is returned when a worker is built without an object store.
	ErrNoObjectStore = errors.New("worker object store is nil")

	// ErrNoBroker is returned when a worker is built without a broker.
	ErrNoBroker = errors.New("worker broker is nil")

	errPanic = errors.New("job panicked")
)

type (
	// Worker runs the job loop.
	Worker struct {
		broker  queue.Broker
		engine  engine.Engine
		objects objectstore.Store
		config  *Config
		logger  *slog.Logger

		processed atomic.Int64
		failed    atomic.Int64
	}

	// Stats counts jobs handled since the worker started.
	Stats struct {
		Processed int64
		Failed    int64
	}
)

// New creates a worker.
func New(
	broker queue.Broker,
	eng engine.Engine,
	objects objectstore.Store,
	cfg *Config,
	logger *slog.Logger,
) (*Worker, error) {
	switch {
	case broker == nil:
		return nil, ErrNoBroker
	case eng == nil:
		return nil, ErrNoEngine
	case objects == nil:
		return nil, ErrNoObjectStore
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Worker{
		broker:  broker,
		engine:  eng,
		objects: objects,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Run pops and processes jobs on Concurrency goroutines until ctx is cancelled
// or the broker is closed. Per-job failures never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		slog.String("job_queue", w.config.JobQueue),
		slog.Int("concurrency", w.config.Concurrency),
		slog.Bool("report_failures", w.config.ReportFailures),
	)

	g, ctx := errgroup.WithContext(ctx)

	for slot := range w.config.Concurrency {
		g.Go(func() error {
			return w.loop(ctx, slot)
		})
	}

	err := g.Wait()

	stats := w.Stats()
	w.logger.Info("Worker stopped",
		slog.Int64("processed", stats.Processed),
		slog.Int64("failed", stats.Failed),
	)

	return err
}

// Stats returns the job counters.
func (w *Worker) Stats() Stats {
	return Stats{Processed: w.processed.Load(), Failed: w.failed.Load()}
}

func (w *Worker) loop(ctx context.Context, slot int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := w.broker.Pop(ctx, w.config.JobQueue, w.config.PopTimeout)

		switch {
		case err == nil:
			w.handle(ctx, slot, data)
		case errors.Is(err, queue.ErrEmpty):
			continue
		case errors.Is(err, queue.ErrClosed):
			w.logger.Info("Broker closed, worker slot exiting", slog.Int("slot", slot))

			return nil
		case ctx.Err() != nil:
			return nil
		default:
			w.logger.Warn("Failed to pop job",
				slog.Int("slot", slot),
				slog.String("error", err.Error()),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.config.ErrorDelay):
			}
		}
	}
}

// handle processes one raw job. It never returns an error: failures are
// logged, optionally reported to the requester, and the job is dropped.
func (w *Worker) handle(ctx context.Context, slot int, data []byte) {
	job, err := queue.DecodeJob(data)
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("Dropping malformed job",
			slog.Int("slot", slot),
			slog.String("error", err.Error()),
		)

		return
	}

	start := time.Now()

	result, err := w.processSafely(ctx, job)
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("Dropping failed job",
			slog.String("request_id", job.RequestID),
			slog.String("filename", job.Filename),
			slog.String("error", err.Error()),
		)

		if w.config.ReportFailures {
			w.publish(ctx, &queue.ResultEnvelope{
				RequestID: job.RequestID,
				Filename:  job.Filename,
				Error:     err.Error(),
			})
		}

		return
	}

	if w.publish(ctx, result) {
		w.processed.Add(1)
		w.logger.Info("Processed job",
			slog.String("request_id", job.RequestID),
			slog.String("image_path", result.ImagePath),
			slog.Duration("duration", time.Since(start)),
		)
	} else {
		w.failed.Add(1)
	}
}

func (w *Worker) processSafely(ctx context.Context, job *queue.JobEnvelope) (result *queue.ResultEnvelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job panicked",
				slog.String("request_id", job.RequestID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)

			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	return w.Process(ctx, job)
}

// Process runs one job: the image is written to a temp file for the engine,
// then stored under its object key. It returns the result to publish.
func (w *Worker) Process(ctx context.Context, job *queue.JobEnvelope) (*queue.ResultEnvelope, error) {
	imagePath, cleanup, err := w.writeTemp(job)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	payload, err := w.engine.Infer(ctx, imagePath)
	if err != nil {
		return nil, err
	}

	key := job.StorageKey
	if key == "" {
		key = objectstore.Key(job.Filename, job.ImageBytes)
	}

	storedPath, err := w.objects.Put(ctx, key, job.ImageBytes, http.DetectContentType(job.ImageBytes))
	if err != nil {
		return nil, err
	}

	return &queue.ResultEnvelope{
		RequestID:  job.RequestID,
		Filename:   job.Filename,
		ImagePath:  storedPath,
		Detections: payload.Normalize(),
	}, nil
}

func (w *Worker) writeTemp(job *queue.JobEnvelope) (string, func(), error) {
	f, err := os.CreateTemp(w.config.TempDir, "edgedetect-*"+filepath.Ext(job.Filename))
	if err != nil {
		return "", nil, fmt.Errorf("%w: temp image: %w", detection.ErrStorage, err)
	}

	cleanup := func() {
		_ = os.Remove(f.Name())
	}

	_, writeErr := f.Write(job.ImageBytes)
	closeErr := f.Close()

	if err := errors.Join(writeErr, closeErr); err != nil {
		cleanup()

		return "", nil, fmt.Errorf("%w: temp image: %w", detection.ErrStorage, err)
	}

	return f.Name(), cleanup, nil
}

// publish pushes env onto the requester's result list and reports success.
func (w *Worker) publish(ctx context.Context, env *queue.ResultEnvelope) bool {
	data, err := env.Encode()
	if err == nil {
		err = w.broker.Push(ctx, queue.ResultKey(w.config.ResultPrefix, env.RequestID), data, w.config.ResultTTL)
	}

	if err != nil {
		w.logger.Error("Failed to publish result",
			slog.String("request_id", env.RequestID),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}
