package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/correlator-io/edgedetect/internal/config"
	"github.com/correlator-io/edgedetect/internal/queue"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultStreamTimeout = 2 * time.Minute
	defaultMaxInFlight   = 64
)

// ErrInvalidTimeout is returned when a dispatch timeout is not positive.
var ErrInvalidTimeout = errors.New("dispatch timeout must be positive")

// Config holds the dispatcher settings.
type Config struct {
	JobQueue      string
	ResultPrefix  string
	Timeout       time.Duration // Bound on waiting for a result
	StreamTimeout time.Duration // Bound on background waits started by Enqueue
	MaxInFlight   int           // Concurrent background waits started by Enqueue
}

// LoadConfig loads dispatcher configuration; list names come from the queue config.
func LoadConfig(q *queue.Config) *Config {
	return &Config{
		JobQueue:      q.JobQueue,
		ResultPrefix:  q.ResultPrefix,
		Timeout:       config.GetEnvDuration("EDGEDETECT_DISPATCH_TIMEOUT", defaultTimeout),
		StreamTimeout: config.GetEnvDuration("EDGEDETECT_STREAM_TIMEOUT", defaultStreamTimeout),
		MaxInFlight:   config.GetEnvInt("EDGEDETECT_STREAM_MAX_IN_FLIGHT", defaultMaxInFlight),
	}
}

// DefaultConfig returns the default dispatcher settings for the default list names.
func DefaultConfig() *Config {
	q := queue.DefaultConfig()

	return &Config{
		JobQueue:      q.JobQueue,
		ResultPrefix:  q.ResultPrefix,
		Timeout:       defaultTimeout,
		StreamTimeout: defaultStreamTimeout,
		MaxInFlight:   defaultMaxInFlight,
	}
}

// Validate checks if the dispatcher configuration is valid.
func (c *Config) Validate() error {
	if c.JobQueue == "" || c.ResultPrefix == "" {
		return queue.ErrQueueNameEmpty
	}

	if c.Timeout <= 0 || c.StreamTimeout <= 0 {
		return fmt.Errorf("%w: timeout=%v stream=%v", ErrInvalidTimeout, c.Timeout, c.StreamTimeout)
	}

	return nil
}
