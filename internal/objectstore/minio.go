package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/correlator-io/edgedetect/internal/detection"
)

const (
	noSuchKey    = "NoSuchKey"
	noSuchBucket = "NoSuchBucket"
)

// MinIO stores objects in a bucket of an S3-compatible service.
type MinIO struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

var _ Store = (*MinIO)(nil)

// NewMinIO connects to the endpoint in cfg and creates the bucket when it is missing.
func NewMinIO(ctx context.Context, cfg *MinIOConfig, logger *slog.Logger) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	m := &MinIO{client: client, bucket: cfg.Bucket, logger: logger}

	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}

	logger.Info("Object store ready",
		slog.String("backend", BackendMinIO),
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)

	return m, nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %w", detection.ErrConnectivity, m.bucket, err)
	}

	if exists {
		return nil
	}

	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another process may have created it between the two calls.
		if exists, existsErr := m.client.BucketExists(ctx, m.bucket); existsErr == nil && exists {
			return nil
		}

		return fmt.Errorf("%w: create bucket %s: %w", detection.ErrStorage, m.bucket, err)
	}

	m.logger.Info("Created object store bucket", slog.String("bucket", m.bucket))

	return nil
}

// Put uploads data under key.
func (m *MinIO) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %w", detection.ErrStorage, key, err)
	}

	return key, nil
}

// Get downloads the object stored under key.
func (m *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrapError("get", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.wrapError("get", key, err)
	}

	return data, nil
}

// Delete removes the object stored under key. S3 treats a missing key as success.
func (m *MinIO) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return m.wrapError("delete", key, err)
	}

	return nil
}

// HealthCheck confirms the bucket is reachable.
func (m *MinIO) HealthCheck(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("%w: %w", detection.ErrConnectivity, err)
	}

	if !exists {
		return fmt.Errorf("%w: bucket %s is missing", detection.ErrStorage, m.bucket)
	}

	return nil
}

func (m *MinIO) wrapError(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case noSuchKey:
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	case noSuchBucket:
		return fmt.Errorf("%w: %s %s: bucket %s is missing", detection.ErrStorage, op, key, m.bucket)
	default:
		return fmt.Errorf("%w: %s %s: %w", detection.ErrStorage, op, key, err)
	}
}
