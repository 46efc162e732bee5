// Package server builds the worker process from configuration and runs it
// until a shutdown signal.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/buffer"
	"github.com/JakeFAU/mediascrape/internal/clock/system"
	"github.com/JakeFAU/mediascrape/internal/config"
	"github.com/JakeFAU/mediascrape/internal/dispatcher"
	"github.com/JakeFAU/mediascrape/internal/extract"
	collyfetcher "github.com/JakeFAU/mediascrape/internal/fetcher/colly"
	"github.com/JakeFAU/mediascrape/internal/id/uuid"
	"github.com/JakeFAU/mediascrape/internal/logging"
	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/metrics"
	"github.com/JakeFAU/mediascrape/internal/policy/ratelimit"
	"github.com/JakeFAU/mediascrape/internal/shutdown"
	"github.com/JakeFAU/mediascrape/internal/telemetry"
	"github.com/JakeFAU/mediascrape/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	clock        media.Clock
	ids          media.IDGenerator
	queue        media.JobQueue
	enqueuer     media.Enqueuer
	store        media.Store
	buffer       *buffer.Buffer
	dispatch     *dispatcher.Dispatcher
	coordinator  *shutdown.Coordinator
	pubsubClient *pubsub.Client
	tracing      *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.GCPProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app, err := build(ctx, cfg, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	app.tracing = tp
	return app, nil
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	defer func() {
		if err != nil {
			app.closeClients()
		}
	}()
	metrics.Init()

	logger.Info("building application dependencies",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	if app.store, err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	backend, err := openQueue(ctx, cfg, logger, app.clock, app.ids, true)
	if err != nil {
		_ = app.store.Close()
		return nil, err
	}
	app.queue, app.enqueuer, app.pubsubClient = backend.queue, backend.enqueuer, backend.pubsubClient

	fetcher := ratelimit.Wrap(collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.Fetch.Timeout,
		MaxBodySize: cfg.Fetch.MaxBodyBytes,
	}), ratelimit.Config{RPS: cfg.Fetch.HostRPS, Burst: cfg.Fetch.HostBurst})
	parser := extract.NewParser(extract.ParserConfig{
		VideoPatterns:   cfg.Extract.VideoPatterns,
		MinSourceLength: cfg.Extract.MinSourceLength,
	})
	pipeline := extract.NewPipeline(fetcher, parser, logger.Named("extract"))

	app.buffer = buffer.New(app.store, buffer.Config{
		Capacity:      cfg.Buffer.Capacity,
		FlushInterval: cfg.Buffer.FlushInterval,
		FlushTimeout:  cfg.Buffer.FlushTimeout,
		Logger:        logger.Named("buffer"),
	})

	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := range cfg.Worker.Concurrency {
		workers = append(workers, worker.New(
			app.queue,
			pipeline,
			app.buffer,
			app.clock,
			worker.Config{ReportTimeout: cfg.Worker.ReportTimeout},
			logger.Named("worker").With(zap.Int("worker", i)),
		))
	}
	app.dispatch = dispatcher.New(app.enqueuer, workers)

	app.coordinator = shutdown.New(shutdown.Config{
		Workers:     app.dispatch,
		Queue:       app.queue,
		Buffer:      app.buffer,
		Store:       app.store,
		StepTimeout: cfg.Shutdown.StepTimeout,
		Logger:      logger.Named("shutdown"),
	})
	return app, nil
}

// Seed enqueues URLs on the configured queue.
func (a *App) Seed(ctx context.Context, urls []string) ([]media.Job, error) {
	return a.dispatch.Enqueue(ctx, urls...)
}

// Run starts the workers and the ops server and blocks until ctx ends or the
// process receives SIGINT/SIGTERM, then runs the shutdown sequence.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.buffer.Start(ctx)
	a.dispatch.Start(ctx)
	a.logger.Info("workers started", zap.Int("concurrency", a.cfg.Worker.Concurrency))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           NewRouter(a.coordinator),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("ops server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	err := a.Shutdown(context.Background())

	srvCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(srvCtx); serr != nil {
		a.logger.Error("ops server shutdown error", zap.Error(serr))
	}
	return err
}

// Shutdown drains workers, flushes the buffer and closes connections.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.coordinator.Shutdown(ctx)
	a.closeClients()
	if a.tracing != nil {
		if terr := a.tracing.Shutdown(ctx); terr != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(terr))
		}
	}
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeClients() {
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
}
