package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/correlator-io/edgedetect/internal/detection"
)

type (
	// JobEnvelope is the message pushed onto the job list.
	// ImageBytes is base64 in the JSON encoding.
	JobEnvelope struct {
		RequestID  string    `json:"request_id"`
		Filename   string    `json:"filename"`
		ImageBytes []byte    `json:"image_bytes"`
		StorageKey string    `json:"storage_key,omitempty"`
		EnqueuedAt time.Time `json:"enqueued_at"`
	}

	// ResultEnvelope is the message pushed onto a request's result list.
	// A non-empty Error means the worker gave up on the job.
	ResultEnvelope struct {
		RequestID  string            `json:"request_id"`
		Filename   string            `json:"filename"`
		ImagePath  string            `json:"image_path"`
		Detections detection.Payload `json:"detections"`
		Error      string            `json:"error,omitempty"`
	}
)

// Encode serialises the envelope.
func (e *JobEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode job: %w", detection.ErrSerialization, err)
	}

	return data, nil
}

// DecodeJob parses a job message and checks the fields a worker needs.
func DecodeJob(data []byte) (*JobEnvelope, error) {
	var env JobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode job: %w", detection.ErrSerialization, err)
	}

	if env.RequestID == "" {
		return nil, fmt.Errorf("%w: job has no request id", detection.ErrSerialization)
	}

	if len(env.ImageBytes) == 0 {
		return nil, fmt.Errorf("%w: job %s has no image", detection.ErrSerialization, env.RequestID)
	}

	return &env, nil
}

// Encode serialises the envelope.
func (e *ResultEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %w", detection.ErrSerialization, err)
	}

	return data, nil
}

// DecodeResult parses a result message.
func DecodeResult(data []byte) (*ResultEnvelope, error) {
	var env ResultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode result: %w", detection.ErrSerialization, err)
	}

	if err := env.Detections.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}
