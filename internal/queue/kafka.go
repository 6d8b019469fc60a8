package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaMinBytes   = 1
	kafkaMaxBytes   = 10e6
	kafkaBatchDelay = 10 * time.Millisecond
)

// Kafka is a Broker over two topics.
//
// The job list maps to JobTopic, read by a consumer group shared by every
// worker, so each job reaches exactly one of them. Result lists share
// ResultTopic: each message is keyed by its list key and every dispatcher reads
// every partition directly, without a group, from the offsets current when it
// started. A message goes to the Pop waiting on its key or is parked in a
// bounded expiring buffer until one arrives.
type Kafka struct {
	config KafkaConfig
	jobKey string
	prefix string
	logger *slog.Logger
	writer *kafka.Writer

	mu         sync.Mutex
	jobReaders map[string]*kafka.Reader
	waiters    map[string]chan []byte
	pending    *expirable.LRU[string, []byte]

	resultMu       sync.Mutex
	resultsStarted bool
	resultReaders  []*kafka.Reader
	resultWG       sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Broker = (*Kafka)(nil)

// NewKafka creates the Kafka broker. Topics are created when missing.
func NewKafka(ctx context.Context, cfg *Config, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, ErrKafkaBrokersRequired
	}

	kcfg := cfg.Kafka
	if kcfg.PendingLimit <= 0 {
		kcfg.PendingLimit = defaultKafkaPendingLimit
	}

	if kcfg.MaxWait <= 0 {
		kcfg.MaxWait = defaultKafkaMaxWait
	}

	if kcfg.Partitions <= 0 {
		kcfg.Partitions = defaultKafkaPartitions
	}

	resultTTL := cfg.ResultTTL
	if resultTTL <= 0 {
		resultTTL = defaultResultTTL
	}

	runCtx, cancel := context.WithCancel(context.Background())

	k := &Kafka{
		config: kcfg,
		jobKey: cfg.JobQueue,
		prefix: cfg.ResultPrefix + ":",
		logger: logger,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(kcfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           kafkaBatchDelay,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		jobReaders: make(map[string]*kafka.Reader),
		waiters:    make(map[string]chan []byte),
		pending:    newPendingResults(kcfg.PendingLimit, resultTTL),
		ctx:        runCtx,
		cancel:     cancel,
	}

	if err := k.ensureTopics(ctx, kcfg.JobTopic, kcfg.ResultTopic); err != nil {
		cancel()
		_ = k.writer.Close()

		return nil, err
	}

	logger.Info("Started Kafka queue",
		slog.Any("brokers", kcfg.Brokers),
		slog.String("job_topic", kcfg.JobTopic),
		slog.String("result_topic", kcfg.ResultTopic),
	)

	return k, nil
}

// Push writes value to the topic for key. Result lists are keyed messages on
// the reply topic; retention is the topic's, so ttl only bounds how long a
// dispatcher buffers an unclaimed result. Pushing a job starts the result
// readers first, so the reply to it cannot land before their offsets.
func (k *Kafka) Push(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	msg := kafka.Message{Value: value}

	if k.isResultKey(key) {
		msg.Topic = k.config.ResultTopic
		msg.Key = []byte(key)
	} else {
		msg.Topic = k.topicFor(key)
	}

	if key == k.jobKey {
		if err := k.StartResults(ctx); err != nil {
			return err
		}
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return connectivityError("push", err)
	}

	return nil
}

// Pop returns the next value for key, waiting up to timeout.
func (k *Kafka) Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	if k.ctx.Err() != nil {
		return nil, ErrClosed
	}

	if k.isResultKey(key) {
		return k.popResult(ctx, key, timeout)
	}

	return k.popJob(ctx, key, timeout)
}

func (k *Kafka) popJob(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	reader := k.jobReader(key)

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, popDeadline(ctx)
		}

		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}

		return nil, connectivityError("fetch", err)
	}

	// Commit before handing the job out: a worker crash loses the job rather
	// than running it twice.
	if err := reader.CommitMessages(ctx, msg); err != nil {
		return nil, connectivityError("commit", err)
	}

	return msg.Value, nil
}

// StartResults starts one reader per reply topic partition. Each reader's
// offset is fixed to the partition's current end before StartResults returns,
// so every result written afterwards is seen. Dispatchers call it at startup;
// pushing a job or popping a result starts it otherwise. A failed start is
// retried on the next call.
func (k *Kafka) StartResults(ctx context.Context) error {
	k.resultMu.Lock()
	defer k.resultMu.Unlock()

	if k.resultsStarted {
		return nil
	}

	if k.ctx.Err() != nil {
		return ErrClosed
	}

	offsets, err := k.resultOffsets(ctx)
	if err != nil {
		return err
	}

	readers := make([]*kafka.Reader, 0, len(offsets))

	for partition, offset := range offsets {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   k.config.Brokers,
			Topic:     k.config.ResultTopic,
			Partition: partition,
			MinBytes:  kafkaMinBytes,
			MaxBytes:  kafkaMaxBytes,
			MaxWait:   k.config.MaxWait,
		})

		if err := reader.SetOffset(offset); err != nil {
			_ = reader.Close()
			for _, r := range readers {
				_ = r.Close()
			}

			return connectivityError("seek", err)
		}

		readers = append(readers, reader)
	}

	k.resultReaders = readers
	k.resultsStarted = true

	for _, reader := range readers {
		k.resultWG.Add(1)

		go k.runResults(reader)
	}

	k.logger.Debug("Started Kafka result readers",
		slog.String("topic", k.config.ResultTopic),
		slog.Int("partitions", len(readers)),
	)

	return nil
}

// resultOffsets returns the last offset of every reply topic partition.
func (k *Kafka) resultOffsets(ctx context.Context) (map[int]int64, error) {
	conn, err := kafka.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return nil, connectivityError("dial", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	partitions, err := conn.ReadPartitions(k.config.ResultTopic)
	if err != nil {
		return nil, connectivityError("read partitions", err)
	}

	if len(partitions) == 0 {
		return nil, connectivityError("read partitions",
			fmt.Errorf("topic %s has no partitions", k.config.ResultTopic))
	}

	offsets := make(map[int]int64, len(partitions))

	for _, partition := range partitions {
		leader, err := kafka.DialLeader(ctx, "tcp", k.config.Brokers[0], partition.Topic, partition.ID)
		if err != nil {
			return nil, connectivityError("dial leader", err)
		}

		offset, err := leader.ReadLastOffset()
		_ = leader.Close()

		if err != nil {
			return nil, connectivityError("read offset", err)
		}

		offsets[partition.ID] = offset
	}

	return offsets, nil
}

func (k *Kafka) popResult(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	if err := k.StartResults(ctx); err != nil {
		return nil, err
	}

	k.mu.Lock()

	if value, ok := k.pending.Get(key); ok {
		k.pending.Remove(key)
		k.mu.Unlock()

		return value, nil
	}

	ch := make(chan []byte, 1)
	k.waiters[key] = ch
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case value := <-ch:
		return value, nil
	case <-ctx.Done():
	case <-timer.C:
	case <-k.ctx.Done():
	}

	k.mu.Lock()
	if k.waiters[key] == ch {
		delete(k.waiters, key)
	}
	k.mu.Unlock()

	// A result may have been handed over while giving up.
	select {
	case value := <-ch:
		return value, nil
	default:
	}

	if k.ctx.Err() != nil {
		return nil, ErrClosed
	}

	return nil, popDeadline(ctx)
}

// runResults reads one reply topic partition and routes each message by key.
func (k *Kafka) runResults(reader *kafka.Reader) {
	defer k.resultWG.Done()

	for {
		msg, err := reader.ReadMessage(k.ctx)
		if err != nil {
			if k.ctx.Err() != nil {
				return
			}

			k.logger.Warn("Failed to read result topic", slog.String("error", err.Error()))

			select {
			case <-k.ctx.Done():
				return
			case <-time.After(time.Second):
			}

			continue
		}

		k.deliver(string(msg.Key), msg.Value)
	}
}

func (k *Kafka) deliver(key string, value []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if ch, ok := k.waiters[key]; ok {
		delete(k.waiters, key)
		ch <- value

		return
	}

	k.pending.Add(key, value)
}

// HealthCheck dials the first reachable broker.
func (k *Kafka) HealthCheck(ctx context.Context) error {
	var lastErr error

	for _, addr := range k.config.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err

			continue
		}

		_ = conn.Close()

		return nil
	}

	return connectivityError("dial", lastErr)
}

// Close stops the result router and closes readers and the writer. Safe to call multiple times.
func (k *Kafka) Close() error {
	var errs []error

	k.closeOnce.Do(func() {
		k.cancel()

		k.resultMu.Lock()
		resultReaders := k.resultReaders
		k.resultMu.Unlock()

		done := make(chan struct{})

		go func() {
			k.resultWG.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			k.logger.Warn("Kafka result readers did not stop within timeout")
		}

		for _, reader := range resultReaders {
			errs = append(errs, reader.Close())
		}

		k.mu.Lock()
		for _, reader := range k.jobReaders {
			errs = append(errs, reader.Close())
		}
		k.mu.Unlock()

		errs = append(errs, k.writer.Close())

		k.logger.Info("Stopped Kafka queue")
	})

	return errors.Join(errs...)
}

// newPendingResults buffers results that arrive before their Pop.
func newPendingResults(limit int, ttl time.Duration) *expirable.LRU[string, []byte] {
	return expirable.NewLRU[string, []byte](limit, nil, ttl)
}

func (k *Kafka) isResultKey(key string) bool {
	return strings.HasPrefix(key, k.prefix)
}

// topicFor maps a non-result list key to its topic.
func (k *Kafka) topicFor(key string) string {
	if key == k.jobKey {
		return k.config.JobTopic
	}

	return key
}

func (k *Kafka) jobReader(key string) *kafka.Reader {
	k.mu.Lock()
	defer k.mu.Unlock()

	topic := k.topicFor(key)

	reader, ok := k.jobReaders[topic]
	if !ok {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        k.config.Brokers,
			GroupID:        k.config.GroupID,
			Topic:          topic,
			MinBytes:       kafkaMinBytes,
			MaxBytes:       kafkaMaxBytes,
			MaxWait:        k.config.MaxWait,
			CommitInterval: 0, // synchronous commits
			StartOffset:    kafka.FirstOffset,
		})
		k.jobReaders[topic] = reader
	}

	return reader
}

// ensureTopics creates the topics through the cluster controller. Existing
// topics are left alone.
func (k *Kafka) ensureTopics(ctx context.Context, topics ...string) error {
	conn, err := kafka.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return connectivityError("dial", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	controller, err := conn.Controller()
	if err != nil {
		return connectivityError("controller", err)
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return connectivityError("dial controller", err)
	}

	defer func() {
		_ = controllerConn.Close()
	}()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     k.config.Partitions,
			ReplicationFactor: 1,
		})
	}

	if err := controllerConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topics %v: %w", topics, err)
	}

	return nil
}
