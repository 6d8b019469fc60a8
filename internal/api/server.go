// Package api provides the HTTP API for edgedetect: image upload for
// synchronous or background detection, detection lookup, and health probes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/correlator-io/edgedetect/internal/api/middleware"
	"github.com/correlator-io/edgedetect/internal/objectstore"
)

// Version is reported by /health; set at build time with -ldflags.
var Version = "dev"

var (
	// ErrNoStore is returned when the server is built without a detection store.
	ErrNoStore = errors.New("api detection store is nil")

	// ErrNoDispatcher is returned when the server is built without a dispatcher.
	ErrNoDispatcher = errors.New("api dispatcher is nil")

	// ErrNoObjectStore is returned when the server is built without an object store.
	ErrNoObjectStore = errors.New("api object store is nil")
)

type (
	// Dependencies are the runtime collaborators of the server.
	// Broker and RateLimiter are optional.
	Dependencies struct {
		Store       DetectionStore
		Dispatcher  Dispatcher
		Objects     objectstore.Store
		Broker      HealthChecker
		RateLimiter middleware.RateLimiter
		ClientKey   middleware.ClientKeyFunc
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer *http.Server
		logger     *slog.Logger
		config     *ServerConfig
		startTime  time.Time

		store      DetectionStore
		dispatcher Dispatcher
		objects    objectstore.Store
		broker     HealthChecker
	}
)

// NewServer creates the server and its middleware stack.
//
// Configuration (what) is kept separate from dependencies (how): cfg holds
// only settings, deps holds the stores and dispatcher the handlers call.
func NewServer(cfg *ServerConfig, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	switch {
	case deps.Store == nil:
		return nil, ErrNoStore
	case deps.Dispatcher == nil:
		return nil, ErrNoDispatcher
	case deps.Objects == nil:
		return nil, ErrNoObjectStore
	}

	server := &Server{
		logger:     logger,
		config:     cfg,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		objects:    deps.Objects,
		broker:     deps.Broker,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Order (outermost first):
	//   1. CorrelationID - every response carries one, including 429s and panics
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RateLimit - reject before any upload is read
	//   4. RequestLogger - log only requests that were admitted
	//   5. CORS
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(deps.RateLimiter, deps.ClientKey, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server, nil
}

// Handler returns the full handler chain; used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully within
// the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting edgedetect API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Int64("max_upload_size", s.config.MaxUploadSize),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}

		close(serverErrors)
	}()

	select {
	case err, ok := <-serverErrors:
		if ok {
			return err
		}

		return nil
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
