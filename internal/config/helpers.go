package config

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/correlator-io/edgedetect/migrations"
)

const (
	minioUser       = "edgedetect"
	minioPassword   = "edgedetect-secret"
	occurrenceCount = 2
	startUpTimeOut  = 120 * time.Second
	migrateTimeout  = 30 * time.Second
)

type (
	// TestDatabase encapsulates test database resources for cleanup.
	// Used by integration tests across multiple packages to maintain consistent test infrastructure.
	TestDatabase struct {
		Container  *postgres.PostgresContainer
		Connection *sql.DB
		URL        string
	}

	// TestKafka holds a single-node Kafka cluster for broker integration tests.
	TestKafka struct {
		Container *kafka.KafkaContainer
		Brokers   []string
	}

	// TestMinIO holds a single MinIO server for object store integration tests.
	TestMinIO struct {
		Container testcontainers.Container
		Endpoint  string
		AccessKey string
		SecretKey string
	}
)

// SetupTestDatabase creates a PostgreSQL container and applies the primary-store migrations.
// This is the standard way to set up integration test databases across all packages.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		ctx := context.Background()
//		testDB := config.SetupTestDatabase(ctx, t)
//		t.Cleanup(func() {
//			_ = testDB.Connection.Close()
//			_ = testcontainers.TerminateContainer(testDB.Container)
//		})
//		// ... your test code
//	}
//
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("edgedetect_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(occurrenceCount).
				WithStartupTimeout(startUpTimeOut),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "Failed to open database")

	migrateCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()

	if err := migrations.Up(migrateCtx, conn, migrations.TargetPrimary); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)

		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &TestDatabase{
		Container:  pgContainer,
		Connection: conn,
		URL:        connStr,
	}
}

// SetupTestKafka starts a single-node KRaft Kafka cluster.
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestKafka(ctx context.Context, t *testing.T) *TestKafka {
	t.Helper()

	kafkaContainer, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("edgedetect-test"),
	)
	require.NoError(t, err, "Failed to start kafka container")

	brokers, err := kafkaContainer.Brokers(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(kafkaContainer)

		t.Fatalf("Failed to get kafka brokers: %v", err)
	}

	return &TestKafka{
		Container: kafkaContainer,
		Brokers:   brokers,
	}
}

// SetupTestMinIO starts a MinIO server.
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestMinIO(ctx context.Context, t *testing.T) *TestMinIO {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:RELEASE.2024-01-16T16-07-38Z",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(startUpTimeOut),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start minio container")

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("Failed to get minio endpoint: %v", err)
	}

	return &TestMinIO{
		Container: container,
		Endpoint:  endpoint,
		AccessKey: minioUser,
		SecretKey: minioPassword,
	}
}
