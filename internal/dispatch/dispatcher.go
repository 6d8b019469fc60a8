// Package dispatch submits detection jobs to the broker and waits for the
// matching result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/edgedetect/internal/detection"
	"github.com/correlator-io/edgedetect/internal/queue"
)

const shutdownTimeout = 5 * time.Second

var (
	// ErrJobFailed is returned when a worker reported that it could not process the job.
	ErrJobFailed = errors.New("job failed")

	// ErrEmptyImage is returned when a job carries no image bytes.
	ErrEmptyImage = errors.New("job image is empty")

	// ErrNoStore is returned by Enqueue when the dispatcher has no store to write results to.
	ErrNoStore = errors.New("dispatcher has no detection store")

	// ErrTooManyInFlight is returned by Enqueue when the background wait limit is reached.
	ErrTooManyInFlight = errors.New("too many detections in flight")

	// ErrEmptyRequestID is returned when a caller-chosen request id is empty.
	ErrEmptyRequestID = errors.New("request id cannot be empty")

	// ErrDispatcherClosed is returned after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrNoBroker is returned when a dispatcher is built without a broker.
	ErrNoBroker = errors.New("dispatcher broker is nil")
)

type (
	// Job is an image to run detection on.
	Job struct {
		Filename   string
		Image      []byte
		StorageKey string // Object key the worker stores the image under; derived when empty
	}

	// Result is a completed job.
	Result struct {
		RequestID string
		Filename  string
		ImagePath string
		Payload   detection.Payload
	}

	// Dispatcher pushes jobs onto the shared job list and waits on the result
	// list keyed by each job's request id, so concurrent callers only ever see
	// their own result.
	Dispatcher struct {
		broker queue.Broker
		config *Config
		logger *slog.Logger
		store  detection.Store
		now    func() time.Time

		inFlight chan struct{}

		mu     sync.Mutex
		closed bool
		wg     sync.WaitGroup

		ctx       context.Context
		cancel    context.CancelFunc
		closeOnce sync.Once
	}

	// Option configures optional Dispatcher behavior.
	Option func(*Dispatcher)
)

// WithStore sets the store Enqueue writes background results to.
func WithStore(store detection.Store) Option {
	return func(d *Dispatcher) {
		d.store = store
	}
}

// WithClock overrides the clock used to stamp envelopes.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a dispatcher over broker.
func New(broker queue.Broker, cfg *Config, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if broker == nil {
		return nil, ErrNoBroker
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		broker:   broker,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		inFlight: make(chan struct{}, maxInFlight),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Dispatch submits job under a fresh request id and blocks until its result
// arrives or the configured timeout elapses.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (*Result, error) {
	return d.DispatchWithID(ctx, uuid.NewString(), job)
}

// DispatchWithID is Dispatch with a caller-chosen request id.
//
// On timeout it returns detection.ErrDispatchTimeout. The job is not
// withdrawn: a worker may still run it, and its result then expires unread.
func (d *Dispatcher) DispatchWithID(ctx context.Context, requestID string, job Job) (*Result, error) {
	if requestID == "" {
		return nil, ErrEmptyRequestID
	}

	if err := d.submit(ctx, requestID, job); err != nil {
		return nil, err
	}

	return d.await(ctx, requestID, d.config.Timeout)
}

// Enqueue submits job and returns its request id without waiting. The result is
// written to the store in the background when it arrives; a timeout or failure
// is only logged.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) (string, error) {
	if d.store == nil {
		return "", ErrNoStore
	}

	// Counted before submit so Close waits for a dispatch it raced with.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return "", ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	select {
	case d.inFlight <- struct{}{}:
	default:
		d.wg.Done()

		return "", fmt.Errorf("%w: limit %d", ErrTooManyInFlight, cap(d.inFlight))
	}

	requestID := uuid.NewString()

	if err := d.submit(ctx, requestID, job); err != nil {
		<-d.inFlight
		d.wg.Done()

		return "", err
	}

	go func() {
		defer d.wg.Done()
		defer func() { <-d.inFlight }()

		d.complete(requestID)
	}()

	return requestID, nil
}

// Close stops background waits started by Enqueue and waits for them to exit.
// Safe to call multiple times.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.cancel()

		done := make(chan struct{})

		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			d.logger.Warn("Background dispatches did not stop within timeout")
		}
	})

	return nil
}

func (d *Dispatcher) submit(ctx context.Context, requestID string, job Job) error {
	if len(job.Image) == 0 {
		return ErrEmptyImage
	}

	env := &queue.JobEnvelope{
		RequestID:  requestID,
		Filename:   job.Filename,
		ImageBytes: job.Image,
		StorageKey: job.StorageKey,
		EnqueuedAt: d.now().UTC(),
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	if err := d.broker.Push(ctx, d.config.JobQueue, data, 0); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", requestID, err)
	}

	d.logger.DebugContext(ctx, "Dispatched detection job",
		slog.String("request_id", requestID),
		slog.String("filename", job.Filename),
		slog.Int("image_bytes", len(job.Image)),
	)

	return nil
}

func (d *Dispatcher) await(ctx context.Context, requestID string, timeout time.Duration) (*Result, error) {
	key := queue.ResultKey(d.config.ResultPrefix, requestID)

	value, err := d.broker.Pop(ctx, key, timeout)
	if errors.Is(err, queue.ErrEmpty) {
		return nil, fmt.Errorf("%w: request %s after %v", detection.ErrDispatchTimeout, requestID, timeout)
	}

	if err != nil {
		return nil, err
	}

	env, err := queue.DecodeResult(value)
	if err != nil {
		return nil, err
	}

	if env.RequestID != "" && env.RequestID != requestID {
		return nil, fmt.Errorf("%w: result for %s delivered to %s", detection.ErrSerialization, env.RequestID, requestID)
	}

	if env.Error != "" {
		return nil, fmt.Errorf("%w: request %s: %s", ErrJobFailed, requestID, env.Error)
	}

	return &Result{
		RequestID: requestID,
		Filename:  env.Filename,
		ImagePath: env.ImagePath,
		Payload:   env.Detections.Normalize(),
	}, nil
}

// complete waits for an enqueued job's result and stores it.
func (d *Dispatcher) complete(requestID string) {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.StreamTimeout)
	defer cancel()

	result, err := d.await(ctx, requestID, d.config.StreamTimeout)
	if err != nil {
		d.logger.Warn("Background detection did not complete",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)

		return
	}

	id, err := d.store.Insert(ctx, result.ImagePath, result.Payload)
	if err != nil {
		d.logger.Error("Failed to store background detection",
			slog.String("request_id", requestID),
			slog.String("image_path", result.ImagePath),
			slog.String("error", err.Error()),
		)

		return
	}

	d.logger.Info("Stored background detection",
		slog.String("request_id", requestID),
		slog.Int64("id", id),
	)
}
