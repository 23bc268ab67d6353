package server

import (
	"context"
	"fmt"
	"net/http"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/analyzers"
	"github.com/JakeFAU/siteboost/internal/api"
	"github.com/JakeFAU/siteboost/internal/auth"
	"github.com/JakeFAU/siteboost/internal/cache"
	"github.com/JakeFAU/siteboost/internal/config"
	"github.com/JakeFAU/siteboost/internal/dispatcher"
	"github.com/JakeFAU/siteboost/internal/eventlog"
	"github.com/JakeFAU/siteboost/internal/eventlog/sinks"
	collyfetcher "github.com/JakeFAU/siteboost/internal/fetcher/colly"
	"github.com/JakeFAU/siteboost/internal/fetcher/headless"
	"github.com/JakeFAU/siteboost/internal/hash/sha256"
	"github.com/JakeFAU/siteboost/internal/headless/detector"
	"github.com/JakeFAU/siteboost/internal/pipeline"
	"github.com/JakeFAU/siteboost/internal/policy/ratelimit"
	"github.com/JakeFAU/siteboost/internal/policy/simple"
	gcppublisher "github.com/JakeFAU/siteboost/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/siteboost/internal/queue/memory"
	queuePostgres "github.com/JakeFAU/siteboost/internal/queue/postgres"
	"github.com/JakeFAU/siteboost/internal/recommend"
	"github.com/JakeFAU/siteboost/internal/scheduler"
	gcsstorage "github.com/JakeFAU/siteboost/internal/storage/gcs"
	localstorage "github.com/JakeFAU/siteboost/internal/storage/local"
	memoryStorage "github.com/JakeFAU/siteboost/internal/storage/memory"
	pgstore "github.com/JakeFAU/siteboost/internal/storage/postgres"
	"github.com/JakeFAU/siteboost/internal/webhook"
	"github.com/JakeFAU/siteboost/internal/worker"
)

func setupDatabase(ctx context.Context, app *App) error {
	if !app.cfg.UsesPostgres() {
		app.logger.Warn("no database configured, using in-memory store and queue")
		app.store = memoryStorage.NewStore()
		app.memoryQueue = queueMemory.NewQueue(app.cfg.Queue.Capacity)
		app.queue = app.memoryQueue
		return nil
	}

	var err error
	app.pool, err = pgstore.NewPool(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database pool init failed: %w", err)
	}
	store, err := pgstore.NewStore(app.pool)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	if app.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		app.logger.Info("database schema applied")
	}
	app.store = store
	app.logger.Info("postgres store initialized",
		zap.Int32("max_conns", app.cfg.Database.MaxConns),
		zap.Int32("min_conns", app.cfg.Database.MinConns),
	)

	switch app.cfg.Queue.Backend {
	case "postgres":
		app.queue, err = queuePostgres.New(app.pool, queuePostgres.Config{
			PollInterval:      app.cfg.Queue.PollInterval,
			VisibilityTimeout: app.cfg.Queue.VisibilityTimeout,
		})
		if err != nil {
			return fmt.Errorf("postgres queue init failed: %w", err)
		}
		app.logger.Info("using postgres task queue",
			zap.Duration("poll_interval", app.cfg.Queue.PollInterval),
			zap.Duration("visibility_timeout", app.cfg.Queue.VisibilityTimeout),
		)
	default:
		app.memoryQueue = queueMemory.NewQueue(app.cfg.Queue.Capacity)
		app.queue = app.memoryQueue
		app.logger.Info("using in-memory task queue", zap.Int("capacity", app.cfg.Queue.Capacity))
	}
	return nil
}

func setupRedis(ctx context.Context, app *App) error {
	if !app.cfg.UsesRedis() {
		return nil
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
	})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	app.logger.Info("redis client initialized", zap.String("addr", app.cfg.Redis.Addr))
	return nil
}

func setupStorage(ctx context.Context, app *App) (analysis.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (analysis.Publisher, error) {
	if !app.cfg.PubSub.Enabled {
		app.logger.Info("pub/sub disabled, events are not published externally")
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info("pub/sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupEvents(app *App, publisher analysis.Publisher) (*eventlog.Log, error) {
	var sinkList []eventlog.Sink
	if app.cfg.Events.LogSink {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("event_log")))
	}
	if app.cfg.Events.MetricsSink {
		promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if publisher != nil {
		sinkList = append(sinkList, sinks.NewPublisherSink(publisher, app.cfg.PubSub.TopicName))
	}

	var emitter eventlog.Emitter
	if len(sinkList) > 0 {
		hubCfg := eventlog.HubConfig{
			BufferSize:     app.cfg.Events.BufferSize,
			MaxBatchEvents: app.cfg.Events.BatchSize,
			MaxBatchWait:   app.cfg.Events.FlushInterval,
			SinkTimeout:    app.cfg.Events.SinkTimeout,
			Logger:         app.logger.Named("event_hub"),
		}
		app.eventHub = eventlog.NewHub(hubCfg, sinkList...)
		emitter = app.eventHub
		app.logger.Info("event hub initialized",
			zap.Int("sinks", len(sinkList)),
			zap.Int("buffer_size", hubCfg.BufferSize),
			zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
			zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		)
	}
	return eventlog.NewLog(app.store, app.ids, app.clock, emitter, app.logger.Named("event_log")), nil
}

func setupWebhooks(app *App, events *eventlog.Log) *webhook.Dispatcher {
	cfg := app.cfg.Webhook
	hosts := ratelimit.NewHostLimiter(ratelimit.HostConfig{
		DefaultRPS:   cfg.HostRPS,
		DefaultBurst: cfg.HostBurst,
		IdleTTL:      cfg.HostIdleTTL,
	})
	d := webhook.New(
		app.store,
		app.store,
		&http.Client{},
		hosts,
		app.ids,
		app.clock,
		webhook.Config{
			Timeout:        cfg.Timeout,
			AttemptLease:   cfg.AttemptLease,
			MaxConcurrency: cfg.MaxConcurrency,
			SweepBatch:     cfg.SweepBatch,
			NotifyGrace:    cfg.NotifyGrace,
			UserAgent:      cfg.UserAgent,
		},
		app.logger,
	)
	events.Subscribe(d)
	app.logger.Info("webhook dispatcher initialized",
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.Float64("host_rps", cfg.HostRPS),
	)
	return d
}

func setupPipeline(app *App, events *eventlog.Log, blobs analysis.BlobStore) (*pipeline.Coordinator, error) {
	registry, err := setupAnalyzers(app.cfg.Pipeline.Dimensions)
	if err != nil {
		return nil, err
	}
	admission := setupAdmission(app)

	var snapshots *cache.Cache
	switch app.cfg.Cache.Backend {
	case "redis":
		snapshots = cache.New(cache.NewRedisBackend(app.redis), app.cfg.Cache.TTL, app.logger)
	case "memory":
		snapshots = cache.New(cache.NewMemoryBackend(), app.cfg.Cache.TTL, app.logger)
	default:
		app.logger.Info("result cache disabled")
	}

	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.Fetcher.UserAgent,
		RespectRobots: app.cfg.Fetcher.RespectRobots,
		Timeout:       app.cfg.Fetcher.Timeout,
		MaxBodyBytes:  app.cfg.Fetcher.MaxBodyBytes,
	}, app.logger)
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", app.cfg.Fetcher.UserAgent),
		zap.Bool("respect_robots", app.cfg.Fetcher.RespectRobots),
	)

	var render analysis.Fetcher = headless.NewNoop()
	var detect analysis.HeadlessDetector
	if app.cfg.Headless.Enabled {
		app.headless, err = headless.NewChromedp(headless.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Fetcher.UserAgent,
			NavigationTimeout: app.cfg.Headless.NavTimeout,
			SettleDelay:       app.cfg.Headless.SettleDelay,
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		render = app.headless
		detect = detector.NewHeuristic(app.cfg.Headless.PromotionThreshold)
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
	}

	return pipeline.New(pipeline.Dependencies{
		Jobs:        app.store,
		Results:     app.store,
		Queue:       app.queue,
		Events:      events,
		Cache:       snapshots,
		Admission:   admission,
		Analyzers:   registry,
		Recommender: recommend.NewGenerator(nil, app.logger),
		Fetcher:     plain,
		Headless:    render,
		Detector:    detect,
		Blobs:       blobs,
		Hasher:      sha256.New(),
		IDs:         app.ids,
		Clock:       app.clock,
	}, pipeline.Config{
		DimensionTimeout:      app.cfg.Pipeline.DimensionTimeout,
		StageLease:            app.cfg.Pipeline.StageLease,
		StallAfter:            app.cfg.Pipeline.StallAfter,
		ReapBatch:             app.cfg.Pipeline.ReapBatch,
		MaxParallelDimensions: app.cfg.Pipeline.MaxParallelDimensions,
		CacheTTL:              app.cfg.Cache.TTL,
		BlobPrefix:            app.cfg.Storage.Prefix,
		ContentType:           app.cfg.Storage.ContentType,
		BlockedDomains:        app.cfg.Pipeline.BlockedDomains,
	}, app.logger)
}

func setupAnalyzers(names []string) (*analyzers.Registry, error) {
	dims := make([]analysis.Dimension, 0, len(names))
	for _, name := range names {
		dims = append(dims, analysis.Dimension(name))
	}
	selected, err := analyzers.Default().Select(dims)
	if err != nil {
		return nil, fmt.Errorf("select analyzers: %w", err)
	}
	registry, err := analyzers.NewRegistry(selected...)
	if err != nil {
		return nil, fmt.Errorf("build analyzer registry: %w", err)
	}
	return registry, nil
}

func setupAdmission(app *App) analysis.Admission {
	cfg := app.cfg.RateLimit
	if !cfg.Enabled {
		app.logger.Info("rate limiter disabled, using simple policy")
		return simple.New()
	}
	var store ratelimit.WindowStore
	if cfg.Backend == "redis" {
		store = ratelimit.NewRedisStore(app.redis, app.cfg.Redis.KeyPrefix)
	} else {
		app.limiter = ratelimit.NewMemoryStore()
		store = app.limiter
	}
	app.logger.Info("rate limiter enabled",
		zap.String("backend", cfg.Backend),
		zap.Int("limit", cfg.Limit),
		zap.Duration("window", cfg.Window),
		zap.Bool("fail_open", cfg.FailOpen),
	)
	return ratelimit.NewAdmission(ratelimit.NewSlidingWindow(store, app.logger), ratelimit.AdmissionConfig{
		Limit:    cfg.Limit,
		Window:   cfg.Window,
		FailOpen: cfg.FailOpen,
	})
}

func setupDispatcher(app *App) *dispatcher.Dispatcher {
	return dispatcher.NewPool(app.cfg.Pipeline.Workers, app.queue, app.coordinator, worker.Config{
		MaxAttempts: app.cfg.Pipeline.MaxTaskAttempts,
		RetryDelay:  app.cfg.Pipeline.RetryDelay,
	}, app.logger)
}

func setupScheduler(app *App) error {
	app.scheduler = scheduler.New(app.logger, app.cfg.Pipeline.MaintenanceTimeout)

	reap := scheduler.JobFunc{JobName: "reap_stalled_jobs", Fn: func(ctx context.Context) error {
		n, err := app.coordinator.Reap(ctx)
		if n > 0 {
			app.logger.Info("stalled jobs re-enqueued", zap.Int("count", n))
		}
		return err
	}}
	if err := app.scheduler.AddJob(app.cfg.Pipeline.ReapSchedule, reap); err != nil {
		return err
	}

	sweep := scheduler.JobFunc{JobName: "webhook_retry_sweep", Fn: func(ctx context.Context) error {
		n, err := app.webhooks.RetryDue(ctx)
		if n > 0 {
			app.logger.Debug("webhook deliveries retried", zap.Int("count", n))
		}
		return err
	}}
	if err := app.scheduler.AddJob(app.cfg.Webhook.SweepSchedule, sweep); err != nil {
		return err
	}

	if app.limiter != nil {
		prune := scheduler.JobFunc{JobName: "rate_limit_prune", Fn: func(context.Context) error {
			n := app.limiter.Prune(app.clock.Now())
			if n > 0 {
				app.logger.Debug("rate limit windows pruned", zap.Int("count", n))
			}
			return nil
		}}
		if err := app.scheduler.AddJob(app.cfg.RateLimit.PruneSchedule, prune); err != nil {
			return err
		}
	}
	return nil
}

func setupAuth(cfg config.AuthConfig) (auth.Authenticator, error) {
	switch cfg.Mode {
	case config.AuthModeJWT:
		verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTLeeway)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier init failed: %w", err)
		}
		return verifier, nil
	case config.AuthModeStatic:
		table, err := cfg.KeyTable()
		if err != nil {
			return nil, err
		}
		keys, err := auth.NewStaticKeys(table)
		if err != nil {
			return nil, fmt.Errorf("static keys init failed: %w", err)
		}
		return keys, nil
	default:
		return auth.Anonymous{CallerID: cfg.AnonymousCaller}, nil
	}
}

func setupAPI(app *App) (*api.Server, error) {
	authn, err := setupAuth(app.cfg.Auth)
	if err != nil {
		return nil, err
	}
	app.logger.Info("authentication configured", zap.String("mode", app.cfg.Auth.Mode))

	checks := map[string]api.ReadinessCheck{}
	if app.pool != nil {
		checks["database"] = func(ctx context.Context) error { return app.pool.Ping(ctx) }
	}
	if app.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return app.redis.Ping(ctx).Err() }
	}

	return api.NewServer(
		app.coordinator,
		app.store,
		authn,
		app.ids,
		app.clock,
		checks,
		api.Config{
			RequestTimeout: app.cfg.Server.RequestTimeout,
			RetryAfter:     app.cfg.RateLimit.Window,
			MaxBodyBytes:   app.cfg.Server.MaxBodyBytes,
			CORS: api.CORSConfig{
				AllowedOrigins: app.cfg.CORS.AllowedOrigins,
				MaxAge:         app.cfg.CORS.MaxAge,
			},
			DefaultMaxRetries: app.cfg.Webhook.DefaultMaxRetries,
			DefaultBackoff: analysis.BackoffPolicy{
				Base:       app.cfg.Webhook.BackoffBase,
				Multiplier: app.cfg.Webhook.BackoffMultiplier,
				Max:        app.cfg.Webhook.BackoffMax,
			},
		},
		app.logger,
	), nil
}
