// Package main provides the edgedetect API service.
//
// It accepts image uploads, hands them to detection workers through the
// broker, and records results in the edge cache with best-effort replication
// to the PostgreSQL primary store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/correlator-io/edgedetect/internal/api"
	"github.com/correlator-io/edgedetect/internal/api/middleware"
	"github.com/correlator-io/edgedetect/internal/config"
	"github.com/correlator-io/edgedetect/internal/dispatch"
	"github.com/correlator-io/edgedetect/internal/engine"
	"github.com/correlator-io/edgedetect/internal/objectstore"
	"github.com/correlator-io/edgedetect/internal/queue"
	"github.com/correlator-io/edgedetect/internal/storage"
	"github.com/correlator-io/edgedetect/internal/worker"
)

const name = "edgedetect"

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", name, api.Version)
		os.Exit(0)
	}

	logger := config.NewLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("edgedetect stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("edgedetect service stopped")
}

//nolint:funlen // composition root: wiring is easier to follow in one place
func run(ctx context.Context, logger *slog.Logger) error {
	logger.Info("Starting edgedetect service", slog.String("version", api.Version))

	serverConfig := api.LoadServerConfig()
	storageConfig := storage.LoadConfig()
	cacheConfig := storage.LoadCacheConfig()
	queueConfig := queue.LoadConfig()
	dispatchConfig := dispatch.LoadConfig(queueConfig)
	objectsConfig := objectstore.LoadConfig()
	limiterConfig := middleware.LoadConfig()

	conn, err := storage.ConnectWithRetry(ctx, storageConfig, logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	primary, err := storage.NewPrimaryStore(conn, logger)
	if err != nil {
		return err
	}

	cache, err := storage.OpenCacheStore(ctx, cacheConfig, logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = cache.Close()
	}()

	store, err := storage.NewTieredStore(cache, primary, logger)
	if err != nil {
		return err
	}

	reconciler, err := storage.NewReconciler(cache, primary, storage.LoadReconcilerConfig(cacheConfig), logger)
	if err != nil {
		return err
	}

	logger.Info("Storage initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.String("cache_path", cacheConfig.Path),
		slog.Int("cache_max_rows", cacheConfig.MaxRows),
	)

	broker, err := queue.Open(ctx, queueConfig, conn.DB, logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = broker.Close()
	}()

	// Pin the reply topic offsets before the first job goes out.
	if kafka, ok := broker.(*queue.Kafka); ok {
		if err := kafka.StartResults(ctx); err != nil {
			return err
		}
	}

	logger.Info("Broker initialized",
		slog.String("backend", queueConfig.Backend),
		slog.String("job_queue", queueConfig.JobQueue),
		slog.Duration("result_ttl", queueConfig.ResultTTL),
	)

	dispatcher, err := dispatch.New(broker, dispatchConfig, logger, dispatch.WithStore(store))
	if err != nil {
		return err
	}

	defer func() {
		_ = dispatcher.Close()
	}()

	objects, err := objectstore.Open(ctx, objectsConfig, logger)
	if err != nil {
		return err
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(limiterConfig)

	defer func() {
		_ = rateLimiter.Close()
	}()

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", limiterConfig.GlobalRPS),
		slog.Int("client_rps", limiterConfig.ClientRPS),
		slog.Int("max_clients", limiterConfig.MaxClients),
		slog.Bool("trust_proxy", limiterConfig.TrustProxy),
	)

	server, err := api.NewServer(serverConfig, api.Dependencies{
		Store:       store,
		Dispatcher:  dispatcher,
		Objects:     objects,
		Broker:      broker,
		RateLimiter: rateLimiter,
		ClientKey:   limiterConfig.ClientKey(),
	}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	g.Go(func() error {
		return server.Start(gctx)
	})

	// The in-memory broker is process-local, so its workers must live here too.
	if queueConfig.Backend == queue.BackendMemory {
		w, err := embeddedWorker(broker, objects, queueConfig, logger)
		if err != nil {
			return err
		}

		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func embeddedWorker(
	broker queue.Broker,
	objects objectstore.Store,
	queueConfig *queue.Config,
	logger *slog.Logger,
) (*worker.Worker, error) {
	engineConfig, err := engine.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	eng, err := engine.NewCommandEngine(engineConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("memory broker needs an in-process engine: %w", err)
	}

	logger.Info("Running in-process worker for memory broker",
		slog.Any("command", engineConfig.Command),
	)

	return worker.New(broker, eng, objects, worker.LoadConfig(queueConfig), logger)
}
