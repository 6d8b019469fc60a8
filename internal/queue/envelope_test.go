package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/edgedetect/internal/detection"
)

func TestJobEnvelopeRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := &JobEnvelope{
		RequestID:  "req-1",
		Filename:   "cat.jpg",
		ImageBytes: []byte{0xff, 0xd8, 0xff},
		StorageKey: "ab12/cat.jpg",
		EnqueuedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"image_bytes":"/9j/"`, "image bytes travel as base64")

	decoded, err := DecodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeJob_Rejects(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := map[string]string{
		"malformed":     `{"request_id":`,
		"no request id": `{"filename":"a.jpg","image_bytes":"AQI="}`,
		"no image":      `{"request_id":"r","filename":"a.jpg"}`,
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeJob([]byte(input))
			require.ErrorIs(t, err, detection.ErrSerialization)
		})
	}
}

func TestDecodeResult(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env, err := DecodeResult([]byte(`{"request_id":"r","filename":"a.jpg","image_path":"k/a.jpg",` +
		`"detections":[{"name":"cat","class":15,"confidence":0.9,"box":{"x1":1,"y1":2,"x2":3,"y2":4}}]}`))
	require.NoError(t, err)

	detections, err := env.Detections.Detections()
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "cat", detections[0].Name)
	assert.Empty(t, env.Error)

	_, err = DecodeResult([]byte(`not json`))
	require.ErrorIs(t, err, detection.ErrSerialization)
}

func TestResultKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "model_result_queue:42", ResultKey("model_result_queue", "42"))
}
