// Package main provides the edgedetect detection worker.
//
// A worker pops jobs from the broker, runs the configured engine on each
// image, stores the image in the object store and publishes the result on
// the job's result list. Run as many workers as the hardware allows.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/correlator-io/edgedetect/internal/api"
	"github.com/correlator-io/edgedetect/internal/config"
	"github.com/correlator-io/edgedetect/internal/engine"
	"github.com/correlator-io/edgedetect/internal/objectstore"
	"github.com/correlator-io/edgedetect/internal/queue"
	"github.com/correlator-io/edgedetect/internal/storage"
	"github.com/correlator-io/edgedetect/internal/worker"
)

const name = "edgedetect-worker"

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
		logger.Error("Worker stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Worker stopped")
}

func run(ctx context.Context, logger *slog.Logger) error {
	engineConfig, err := engine.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	eng, err := engine.NewCommandEngine(engineConfig, logger)
	if err != nil {
		return err
	}

	logger.Info("Engine initialized",
		slog.Any("command", engineConfig.Command),
		slog.Float64("confidence_threshold", engineConfig.ConfidenceThreshold),
		slog.Duration("timeout", engineConfig.Timeout),
	)

	queueConfig := queue.LoadConfig()

	// Only the PostgreSQL broker needs a database handle.
	var db *sql.DB

	if queueConfig.Backend == queue.BackendPostgres {
		storageConfig := storage.LoadConfig()

		conn, err := storage.ConnectWithRetry(ctx, storageConfig, logger)
		if err != nil {
			return err
		}

		defer func() {
			_ = conn.Close()
		}()

		db = conn.DB
	}

	broker, err := queue.Open(ctx, queueConfig, db, logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = broker.Close()
	}()

	objects, err := objectstore.Open(ctx, objectstore.LoadConfig(), logger)
	if err != nil {
		return err
	}

	w, err := worker.New(broker, eng, objects, worker.LoadConfig(queueConfig), logger)
	if err != nil {
		return err
	}

	return w.Run(ctx)
}
