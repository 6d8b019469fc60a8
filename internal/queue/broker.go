// Package queue provides the keyed FIFO lists that connect the dispatcher to the
// workers: one shared job list consumed by competing workers, and one result
// list per request id.
//
// Three backends implement Broker:
//   - Memory: in-process lists for single-binary deployments and tests
//   - Postgres: a queue_messages table with SKIP LOCKED pops and LISTEN/NOTIFY wake-ups
//   - Kafka: a consumer-group job topic and a keyed reply topic
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/correlator-io/edgedetect/internal/detection"
)

var (
	// ErrEmpty is returned by Pop when nothing arrived before the timeout.
	// Callers treat it as a retry signal, not a failure.
	ErrEmpty = errors.New("queue empty")

	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")

	// ErrEmptyKey is returned when a list key is empty.
	ErrEmptyKey = errors.New("queue key cannot be empty")
)

// Broker is a keyed list store with blocking pops.
//
// Push appends value to the list at key. A positive ttl bounds how long the
// value may wait to be popped; expired values are never returned.
//
// Pop removes and returns the oldest value at key, blocking up to timeout.
// It returns ErrEmpty on timeout and ctx.Err() when ctx ends first. A value is
// delivered to at most one caller.
type Broker interface {
	Push(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// ResultKey returns the per-request result list key, e.g. "model_result_queue:<id>".
func ResultKey(prefix, requestID string) string {
	return prefix + ":" + requestID
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	return nil
}

func connectivityError(op string, err error) error {
	return fmt.Errorf("%w: broker %s: %w", detection.ErrConnectivity, op, err)
}

// popDeadline returns the context error when ctx ended, else ErrEmpty.
func popDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return ErrEmpty
}
