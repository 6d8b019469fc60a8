package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/correlator-io/edgedetect/internal/config"
)

// Backend names accepted by QUEUE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendKafka    = "kafka"
)

const (
	defaultJobQueue        = "model_request_queue"
	defaultResultPrefix    = "model_result_queue"
	defaultResultTTL       = 10 * time.Minute
	defaultCleanupInterval = time.Minute
	defaultPollInterval    = time.Second
	defaultNotifyChannel   = "edgedetect_queue"

	defaultKafkaJobTopic     = "edgedetect.jobs"
	defaultKafkaResultTopic  = "edgedetect.results"
	defaultKafkaGroupID      = "edgedetect-workers"
	defaultKafkaPartitions   = 3
	defaultKafkaMaxWait      = 500 * time.Millisecond
	defaultKafkaPendingLimit = 10000
)

var (
	// ErrUnknownBackend is returned for an unsupported QUEUE_BACKEND value.
	ErrUnknownBackend = errors.New("unknown queue backend")

	// ErrQueueNameEmpty is returned when the job queue or result prefix is empty.
	ErrQueueNameEmpty = errors.New("queue names cannot be empty")

	// ErrDatabaseURLRequired is returned when the postgres backend has no URL for its listener.
	ErrDatabaseURLRequired = errors.New("postgres queue backend requires QUEUE_DATABASE_URL or DATABASE_URL")

	// ErrKafkaBrokersRequired is returned when the kafka backend has no brokers.
	ErrKafkaBrokersRequired = errors.New("kafka queue backend requires KAFKA_BROKERS")
)

type (
	// Config holds broker selection and the list names shared by dispatcher and workers.
	Config struct {
		Backend         string
		JobQueue        string        // Shared job list key
		ResultPrefix    string        // Result list key prefix, joined with ":<request_id>"
		ResultTTL       time.Duration // How long an unclaimed result is kept
		CleanupInterval time.Duration // Expired-message sweep interval (memory, postgres)

		Postgres PostgresConfig
		Kafka    KafkaConfig
	}

	// PostgresConfig configures the PostgreSQL backend.
	PostgresConfig struct {
		listenerURL   string
		NotifyChannel string
		PollInterval  time.Duration // Fallback re-check when a notification is missed
	}

	// KafkaConfig configures the Kafka backend.
	KafkaConfig struct {
		Brokers      []string
		JobTopic     string
		ResultTopic  string
		GroupID      string // Consumer group shared by all workers
		Partitions   int    // Used when the backend creates missing topics
		MaxWait      time.Duration
		PendingLimit int // Unclaimed results held in memory per dispatcher
	}
)

// LoadConfig loads broker configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Backend:         strings.ToLower(config.GetEnvStr("QUEUE_BACKEND", BackendMemory)),
		JobQueue:        config.GetEnvStr("QUEUE_JOB_KEY", defaultJobQueue),
		ResultPrefix:    config.GetEnvStr("QUEUE_RESULT_PREFIX", defaultResultPrefix),
		ResultTTL:       config.GetEnvDuration("QUEUE_RESULT_TTL", defaultResultTTL),
		CleanupInterval: config.GetEnvDuration("QUEUE_CLEANUP_INTERVAL", defaultCleanupInterval),
		Postgres: PostgresConfig{
			listenerURL:   config.GetEnvStr("QUEUE_DATABASE_URL", config.GetEnvStr("DATABASE_URL", "")),
			NotifyChannel: config.GetEnvStr("QUEUE_NOTIFY_CHANNEL", defaultNotifyChannel),
			PollInterval:  config.GetEnvDuration("QUEUE_POLL_INTERVAL", defaultPollInterval),
		},
		Kafka: KafkaConfig{
			Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
			JobTopic:     config.GetEnvStr("KAFKA_JOB_TOPIC", defaultKafkaJobTopic),
			ResultTopic:  config.GetEnvStr("KAFKA_RESULT_TOPIC", defaultKafkaResultTopic),
			GroupID:      config.GetEnvStr("KAFKA_GROUP_ID", defaultKafkaGroupID),
			Partitions:   config.GetEnvInt("KAFKA_PARTITIONS", defaultKafkaPartitions),
			MaxWait:      config.GetEnvDuration("KAFKA_MAX_WAIT", defaultKafkaMaxWait),
			PendingLimit: config.GetEnvInt("KAFKA_PENDING_RESULTS", defaultKafkaPendingLimit),
		},
	}
}

// DefaultConfig returns an in-memory configuration with the standard list names.
func DefaultConfig() *Config {
	return &Config{
		Backend:         BackendMemory,
		JobQueue:        defaultJobQueue,
		ResultPrefix:    defaultResultPrefix,
		ResultTTL:       defaultResultTTL,
		CleanupInterval: defaultCleanupInterval,
		Postgres: PostgresConfig{
			NotifyChannel: defaultNotifyChannel,
			PollInterval:  defaultPollInterval,
		},
		Kafka: KafkaConfig{
			JobTopic:     defaultKafkaJobTopic,
			ResultTopic:  defaultKafkaResultTopic,
			GroupID:      defaultKafkaGroupID,
			Partitions:   defaultKafkaPartitions,
			MaxWait:      defaultKafkaMaxWait,
			PendingLimit: defaultKafkaPendingLimit,
		},
	}
}

// WithListenerURL sets the PostgreSQL URL used for LISTEN.
func (c *PostgresConfig) WithListenerURL(url string) *PostgresConfig {
	c.listenerURL = url

	return c
}

// Validate checks if the broker configuration is valid for the selected backend.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JobQueue) == "" || strings.TrimSpace(c.ResultPrefix) == "" {
		return ErrQueueNameEmpty
	}

	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendPostgres:
		if strings.TrimSpace(c.Postgres.listenerURL) == "" {
			return ErrDatabaseURLRequired
		}

		return nil
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			return ErrKafkaBrokersRequired
		}

		return nil
	default:
		return fmt.Errorf("%w: %q (valid: %s, %s, %s)",
			ErrUnknownBackend, c.Backend, BackendMemory, BackendPostgres, BackendKafka)
	}
}
