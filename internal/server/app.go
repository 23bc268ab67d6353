// Package server builds the service's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/api"
	"github.com/JakeFAU/siteboost/internal/clock"
	"github.com/JakeFAU/siteboost/internal/config"
	"github.com/JakeFAU/siteboost/internal/dispatcher"
	"github.com/JakeFAU/siteboost/internal/eventlog"
	"github.com/JakeFAU/siteboost/internal/fetcher/headless"
	"github.com/JakeFAU/siteboost/internal/id/uuid"
	"github.com/JakeFAU/siteboost/internal/logging"
	"github.com/JakeFAU/siteboost/internal/metrics"
	"github.com/JakeFAU/siteboost/internal/pipeline"
	"github.com/JakeFAU/siteboost/internal/policy/ratelimit"
	queueMemory "github.com/JakeFAU/siteboost/internal/queue/memory"
	"github.com/JakeFAU/siteboost/internal/scheduler"
	"github.com/JakeFAU/siteboost/internal/telemetry"
	"github.com/JakeFAU/siteboost/internal/webhook"
)

// App contains the application's long-lived dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer   *api.Server
	coordinator *pipeline.Coordinator
	dispatch    *dispatcher.Dispatcher
	webhooks    *webhook.Dispatcher
	scheduler   *scheduler.Scheduler
	eventHub    *eventlog.Hub

	store       analysis.Store
	queue       analysis.Queue
	memoryQueue *queueMemory.Queue
	limiter     *ratelimit.MemoryStore
	pool        *pgxpool.Pool
	redis       *redis.Client

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	headless        *headless.Fetcher

	ids   analysis.IDGenerator
	clock analysis.Clock

	tracerShutdown telemetry.Shutdown
	closeOnce      sync.Once
}

// NewApp creates an App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Bool("headless", cfg.Headless.Enabled),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
		clock:  clock.NewSystem(),
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts workers, background jobs and the HTTP server, and blocks until
// the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	a.scheduler.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close releases every resource Build acquired. It is safe to call twice.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.scheduler != nil {
			if err := a.scheduler.Stop(ctx); err != nil {
				a.logger.Warn("scheduler stop failed", zap.Error(err))
			}
		}
		if a.webhooks != nil {
			if err := a.webhooks.Close(ctx); err != nil {
				a.logger.Warn("webhook dispatcher close failed", zap.Error(err))
			}
		}
		if a.memoryQueue != nil {
			a.memoryQueue.Close()
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.eventHub != nil {
		if err := a.eventHub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := NewApp(cfg, logger)
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     a.cfg.Telemetry.Enabled,
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     a.cfg.Telemetry.Version,
		ProjectID:   a.cfg.Telemetry.ProjectID,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	}, a.logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}

	a.logger.Info("building application dependencies")
	if err := setupDatabase(ctx, a); err != nil {
		return err
	}
	if err := setupRedis(ctx, a); err != nil {
		return err
	}
	blobs, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	events, err := setupEvents(a, publisher)
	if err != nil {
		return err
	}
	a.webhooks = setupWebhooks(a, events)

	a.coordinator, err = setupPipeline(a, events, blobs)
	if err != nil {
		return err
	}
	a.dispatch = setupDispatcher(a)

	if err := setupScheduler(a); err != nil {
		return err
	}

	a.apiServer, err = setupAPI(a)
	if err != nil {
		return err
	}
	return nil
}
