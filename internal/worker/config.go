package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/correlator-io/edgedetect/internal/config"
	"github.com/correlator-io/edgedetect/internal/queue"
)

const (
	defaultPopTimeout  = 5 * time.Second
	defaultConcurrency = 1
	defaultErrorDelay  = time.Second
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive.
	ErrInvalidConcurrency = errors.New("worker concurrency must be positive")

	// ErrInvalidPopTimeout is returned when the pop timeout is not positive.
	ErrInvalidPopTimeout = errors.New("worker pop timeout must be positive")
)

// Config holds the worker loop settings.
type Config struct {
	JobQueue     string
	ResultPrefix string
	ResultTTL    time.Duration
	PopTimeout   time.Duration
	Concurrency  int    // Jobs processed at once by this process
	TempDir      string // Where images are written for the engine; "" uses os.TempDir

	// ReportFailures pushes an error result for a failed job so the waiting
	// caller fails fast instead of timing out.
	ReportFailures bool

	// ErrorDelay is the pause after a broker error before popping again.
	ErrorDelay time.Duration
}

// LoadConfig loads worker configuration; list names and the result TTL come
// from the queue config.
func LoadConfig(q *queue.Config) *Config {
	return &Config{
		JobQueue:       q.JobQueue,
		ResultPrefix:   q.ResultPrefix,
		ResultTTL:      q.ResultTTL,
		PopTimeout:     config.GetEnvDuration("EDGEDETECT_WORKER_POP_TIMEOUT", defaultPopTimeout),
		Concurrency:    config.GetEnvInt("EDGEDETECT_WORKER_CONCURRENCY", defaultConcurrency),
		TempDir:        config.GetEnvStr("EDGEDETECT_WORKER_TEMP_DIR", ""),
		ReportFailures: config.GetEnvBool("EDGEDETECT_WORKER_REPORT_FAILURES", false),
		ErrorDelay:     defaultErrorDelay,
	}
}

// DefaultConfig returns the worker defaults for the default list names.
func DefaultConfig() *Config {
	q := queue.DefaultConfig()

	return &Config{
		JobQueue:     q.JobQueue,
		ResultPrefix: q.ResultPrefix,
		ResultTTL:    q.ResultTTL,
		PopTimeout:   defaultPopTimeout,
		Concurrency:  defaultConcurrency,
		ErrorDelay:   defaultErrorDelay,
	}
}

// Validate checks if the worker configuration is valid.
func (c *Config) Validate() error {
	if c.JobQueue == "" || c.ResultPrefix == "" {
		return queue.ErrQueueNameEmpty
	}

	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrency, c.Concurrency)
	}

	if c.PopTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidPopTimeout, c.PopTimeout)
	}

	return nil
}
