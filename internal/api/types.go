package api

import (
	"context"

	"github.com/correlator-io/edgedetect/internal/detection"
	"github.com/correlator-io/edgedetect/internal/dispatch"
	"github.com/correlator-io/edgedetect/internal/storage"
)

type (
	// DetectionStore is what the API needs from storage.TieredStore.
	DetectionStore interface {
		detection.Store
		HealthCheck(ctx context.Context) error
		PrimaryHealthCheck(ctx context.Context) error
		Stats(ctx context.Context) (*storage.CacheStats, error)
	}

	// Dispatcher submits uploads to the workers; implemented by dispatch.Dispatcher.
	Dispatcher interface {
		Dispatch(ctx context.Context, job dispatch.Job) (*dispatch.Result, error)
		Enqueue(ctx context.Context, job dispatch.Job) (string, error)
	}

	// HealthChecker reports whether a dependency is reachable.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// DetectResponse is returned by POST /api/v1/detect.
	DetectResponse struct {
		Message   string            `json:"message"`
		ID        int64             `json:"id"`
		Image     string            `json:"image"`
		Path      string            `json:"path"`
		Detection detection.Payload `json:"detection"`
	}

	// StreamResponse is returned by POST /api/v1/stream.
	StreamResponse struct {
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	}

	// DetectionsResponse is returned by GET /api/v1/detections.
	DetectionsResponse struct {
		Detections []*detection.Record `json:"detections"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// ReadyStatus is returned by GET /ready. Status is "ready", "degraded"
	// (primary store down, cache still serving) or "unavailable".
	ReadyStatus struct {
		Status   string            `json:"status"`
		Checks   map[string]string `json:"checks"`
		Unsynced int64             `json:"unsynced"`
	}
)
