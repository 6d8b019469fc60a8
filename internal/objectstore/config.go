package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/correlator-io/edgedetect/internal/config"
)

// Backend names accepted by OBJECT_STORE_BACKEND.
const (
	BackendFilesystem = "filesystem"
	BackendMinIO      = "minio"
)

const (
	defaultRoot   = "./data/images"
	defaultBucket = "edgedetect-images"
)

var (
	// ErrUnknownBackend is returned for an unsupported OBJECT_STORE_BACKEND.
	ErrUnknownBackend = errors.New("unknown object store backend")

	// ErrRootRequired is returned when the filesystem backend has no root directory.
	ErrRootRequired = errors.New("object store root directory is required")

	// ErrEndpointRequired is returned when the MinIO backend has no endpoint.
	ErrEndpointRequired = errors.New("minio endpoint is required")

	// ErrBucketRequired is returned when the MinIO backend has no bucket.
	ErrBucketRequired = errors.New("minio bucket is required")
)

type (
	// Config selects and configures the object store backend.
	Config struct {
		Backend string
		Root    string // Filesystem root directory
		MinIO   MinIOConfig
	}

	// MinIOConfig holds the S3-compatible endpoint settings.
	MinIOConfig struct {
		Endpoint  string
		AccessKey string
		SecretKey string
		Bucket    string
		UseSSL    bool
	}
)

// LoadConfig loads object store configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Backend: strings.ToLower(config.GetEnvStr("OBJECT_STORE_BACKEND", BackendFilesystem)),
		Root:    config.GetEnvStr("OBJECT_STORE_ROOT", defaultRoot),
		MinIO: MinIOConfig{
			Endpoint:  config.GetEnvStr("MINIO_ENDPOINT", ""),
			AccessKey: config.GetEnvStr("MINIO_ACCESS_KEY", ""),
			SecretKey: config.GetEnvStr("MINIO_SECRET_KEY", ""),
			Bucket:    config.GetEnvStr("MINIO_BUCKET", defaultBucket),
			UseSSL:    config.GetEnvBool("MINIO_USE_SSL", false),
		},
	}
}

// Validate checks if the object store configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFilesystem:
		if c.Root == "" {
			return ErrRootRequired
		}
	case BackendMinIO:
		if c.MinIO.Endpoint == "" {
			return ErrEndpointRequired
		}

		if c.MinIO.Bucket == "" {
			return ErrBucketRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	return nil
}

// Open validates cfg and returns the configured backend.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Backend == BackendMinIO {
		return NewMinIO(ctx, &cfg.MinIO, logger)
	}

	fs, err := NewFilesystem(cfg.Root)
	if err != nil {
		return nil, err
	}

	logger.Info("Object store ready",
		slog.String("backend", BackendFilesystem),
		slog.String("root", cfg.Root),
	)

	return fs, nil
}
