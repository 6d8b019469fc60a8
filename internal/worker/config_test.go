package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/correlator-io/edgedetect/internal/queue"
)

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := LoadConfig(queue.DefaultConfig())

		assert.Equal(t, "model_request_queue", cfg.JobQueue)
		assert.Equal(t, "model_result_queue", cfg.ResultPrefix)
		assert.Equal(t, 10*time.Minute, cfg.ResultTTL)
		assert.Equal(t, 5*time.Second, cfg.PopTimeout)
		assert.Equal(t, 1, cfg.Concurrency)
		assert.False(t, cfg.ReportFailures)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("from env", func(t *testing.T) {
		t.Setenv("EDGEDETECT_WORKER_POP_TIMEOUT", "2s")
		t.Setenv("EDGEDETECT_WORKER_CONCURRENCY", "8")
		t.Setenv("EDGEDETECT_WORKER_TEMP_DIR", "/scratch")
		t.Setenv("EDGEDETECT_WORKER_REPORT_FAILURES", "true")

		cfg := LoadConfig(queue.DefaultConfig())

		assert.Equal(t, 2*time.Second, cfg.PopTimeout)
		assert.Equal(t, 8, cfg.Concurrency)
		assert.Equal(t, "/scratch", cfg.TempDir)
		assert.True(t, cfg.ReportFailures)
	})
}

func TestConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := DefaultConfig()
	cfg.PopTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidPopTimeout)

	cfg = DefaultConfig()
	cfg.JobQueue = ""
	assert.ErrorIs(t, cfg.Validate(), queue.ErrQueueNameEmpty)

	cfg = DefaultConfig()
	cfg.Concurrency = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConcurrency)
}
