package server

import (
	"context"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/api"
	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/clock/system"
	"github.com/JakeFAU/pagecapture/internal/config"
	"github.com/JakeFAU/pagecapture/internal/hash/sha256"
	"github.com/JakeFAU/pagecapture/internal/id/uuid"
	"github.com/JakeFAU/pagecapture/internal/logging"
	"github.com/JakeFAU/pagecapture/internal/metrics"
	"github.com/JakeFAU/pagecapture/internal/pipeline"
	"github.com/JakeFAU/pagecapture/internal/policy/denylist"
	"github.com/JakeFAU/pagecapture/internal/policy/ratelimit"
	"github.com/JakeFAU/pagecapture/internal/progress"
	progresssinks "github.com/JakeFAU/pagecapture/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/pagecapture/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pagecapture/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/pagecapture/internal/publisher/redis"
	"github.com/JakeFAU/pagecapture/internal/queue"
	"github.com/JakeFAU/pagecapture/internal/retention"
	gcsstorage "github.com/JakeFAU/pagecapture/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagecapture/internal/storage/local"
	memorystorage "github.com/JakeFAU/pagecapture/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagecapture/internal/storage/postgres"
	"github.com/JakeFAU/pagecapture/internal/strategy"
	"github.com/JakeFAU/pagecapture/internal/strategy/headless"
	"github.com/JakeFAU/pagecapture/internal/strategy/httpfetch"
	"github.com/JakeFAU/pagecapture/internal/strategy/placeholder"
	"github.com/JakeFAU/pagecapture/internal/strategy/summary"
	"github.com/JakeFAU/pagecapture/internal/sweeper"
)

const memoryNotifyTopic = "capture.jobs"

// Build creates the application's dependencies. On error every resource
// acquired so far is released.
func Build(ctx context.Context, cfg *config.Config) (app *App, err error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err = NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()
	app.clock = system.New()
	app.ids = uuid.New()

	app.logger.Info("building application dependencies")
	if app.blobs, err = setupStorage(ctx, app); err != nil {
		return app, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		return app, err
	}
	publisher, topic, err := setupPublisher(ctx, app)
	if err != nil {
		return app, err
	}
	emitter, err := setupProgress(ctx, app, publisher, topic)
	if err != nil {
		return app, err
	}
	if app.pipeline, err = setupPipeline(app, emitter); err != nil {
		return app, err
	}
	if err = setupQueue(app, emitter); err != nil {
		return app, err
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(app.manager, api.Options{
		APIKey:         apiKey,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
	}, logging.Named(logger, "api"))
	return app, nil
}

func setupStorage(ctx context.Context, app *App) (capture.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobStore.Ping(ctx); err != nil {
			return nil, fmt.Errorf("gcs bucket check failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no DSN specified for database, skipping job history")
		return nil
	}
	history, err := pgstore.NewHistoryStore(ctx, pgstore.HistoryStoreConfig{
		DSN:             app.cfg.Database.DSN,
		JobsTable:       app.cfg.Database.JobsTable,
		AttemptsTable:   app.cfg.Database.AttemptsTable,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("history store init failed: %w", err)
	}
	app.history = history
	if err := history.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("history schema init failed: %w", err)
	}
	app.logger.Info("history store initialized",
		zap.String("jobs_table", app.cfg.Database.JobsTable),
		zap.String("attempts_table", app.cfg.Database.AttemptsTable),
	)
	return nil
}

// setupPublisher prefers Pub/Sub, then a Redis stream, then memory.
func setupPublisher(ctx context.Context, app *App) (capture.Publisher, string, error) {
	cfg := app.cfg
	switch {
	case cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "":
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		app.pubsubPublisher = client.Publisher(cfg.PubSub.TopicName)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
		return gcppublisher.New(app.pubsubPublisher), cfg.PubSub.TopicName, nil
	case cfg.Redis.Addr != "":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		app.redisClient = client
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, "", fmt.Errorf("redis ping failed: %w", err)
		}
		pub, err := redispublisher.New(client, redispublisher.Config{MaxLen: cfg.Redis.MaxLen})
		if err != nil {
			return nil, "", fmt.Errorf("redis publisher init failed: %w", err)
		}
		app.logger.Info("Redis stream publisher initialized",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("stream", cfg.Redis.Stream),
		)
		return pub, cfg.Redis.Stream, nil
	default:
		app.logger.Warn("no Pub/Sub topic or Redis address configured, using in-memory publisher")
		return memorypublisher.New(), memoryNotifyTopic, nil
	}
}

func setupProgress(
	ctx context.Context,
	app *App,
	publisher capture.Publisher,
	topic string,
) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.Discard, nil
	}
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(logging.Named(app.logger, "progress_log")))
		app.logger.Debug("added progress log sink")
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if app.history != nil {
		historySink, err := progresssinks.NewHistorySink(app.history)
		if err != nil {
			return nil, fmt.Errorf("history sink init failed: %w", err)
		}
		sinkList = append(sinkList, historySink)
		app.logger.Debug("added progress history sink")
	}
	if publisher != nil {
		notifySink, err := progresssinks.NewNotifySink(publisher, topic, logging.Named(app.logger, "progress_notify"))
		if err != nil {
			return nil, fmt.Errorf("notify sink init failed: %w", err)
		}
		sinkList = append(sinkList, notifySink)
		app.logger.Debug("added progress notify sink", zap.String("topic", topic))
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logging.Named(app.logger, "progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupGuard(cfg *config.Config) *strategy.Guard {
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			PerHostRPS: cfg.RateLimit.DefaultRPS,
			Burst:      cfg.RateLimit.DefaultBurst,
		})
	}
	return strategy.NewGuard(denylist.New(cfg.Policy.DenyDomains), limiter)
}

// setupStrategies builds the enabled strategies in configured order. The
// list position becomes the ordinal.
func setupStrategies(app *App) ([]pipeline.Stage, error) {
	cfg := app.cfg
	guard := setupGuard(cfg)
	stages := make([]pipeline.Stage, 0, len(cfg.Strategies))
	for i, sc := range cfg.Strategies {
		if !sc.Enabled {
			app.logger.Info("strategy disabled", zap.String("strategy", sc.Name))
			continue
		}
		var st capture.Strategy
		switch sc.Name {
		case config.StrategyHeadless:
			if !cfg.Headless.Enabled {
				app.logger.Warn("headless strategy listed but headless.enabled is false, skipping")
				continue
			}
			h, err := headless.New(headless.Config{
				MaxParallel: cfg.Headless.MaxParallel,
				UserAgent:   cfg.HTTP.UserAgent,
				Settle:      time.Duration(cfg.Headless.SettleMs) * time.Millisecond,
				ExecPath:    cfg.Headless.ExecPath,
			}, guard, logging.Named(app.logger, "headless"))
			if err != nil {
				return nil, fmt.Errorf("headless strategy init failed: %w", err)
			}
			app.headless = h
			st = h
		case config.StrategyHTTPFetch:
			st = httpfetch.New(httpfetch.Config{
				UserAgent:     cfg.HTTP.UserAgent,
				RespectRobots: cfg.HTTP.RespectRobots,
				MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
				SPAThreshold:  cfg.HTTP.SPAThreshold,
			}, guard, app.clock, logging.Named(app.logger, "httpfetch"))
		case config.StrategySummary:
			st = summary.New(summary.Config{
				UserAgent:    cfg.HTTP.UserAgent,
				MaxBodyBytes: int64(cfg.HTTP.MaxBodyBytes),
				MaxLinks:     cfg.HTTP.SummaryMaxLinks,
			}, guard, app.clock, logging.Named(app.logger, "summary"))
		case config.StrategyPlaceholder:
			st = placeholder.New(app.clock)
		default:
			return nil, fmt.Errorf("unknown strategy %q", sc.Name)
		}
		desc := sc.Descriptor(i)
		stages = append(stages, pipeline.Stage{Descriptor: desc, Strategy: st})
		app.logger.Info("strategy registered",
			zap.String("strategy", desc.Name),
			zap.Int("ordinal", desc.Ordinal),
			zap.Int("max_retries", desc.MaxRetries),
			zap.Duration("timeout", desc.Timeout),
		)
	}
	return stages, nil
}

func setupPipeline(app *App, emitter progress.Emitter) (*pipeline.Pipeline, error) {
	stages, err := setupStrategies(app)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(
		stages,
		app.blobs,
		sha256.New(),
		app.clock,
		emitter,
		pipeline.Config{BlobPrefix: app.cfg.Storage.Prefix},
		logging.Named(app.logger, "pipeline"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return p, nil
}

func setupQueue(app *App, emitter progress.Emitter) error {
	cfg := app.cfg
	unclaimed, grace, orphan := cfg.Retention.Durations()
	store := retention.New(app.blobs, app.clock, retention.Config{
		UnclaimedTTL: unclaimed,
		ClaimedGrace: grace,
		OrphanAge:    orphan,
		Prefix:       cfg.Storage.Prefix,
	}, logging.Named(app.logger, "retention"))

	manager, err := queue.New(app.pipeline, store, app.ids, app.clock, emitter, queue.Config{
		MaxConcurrent:    cfg.Queue.MaxConcurrent,
		MaxQueueDepth:    cfg.Queue.MaxQueueDepth,
		QueueTimeout:     cfg.Queue.QueueTimeout(),
		RetentionTimeout: cfg.Queue.RetentionTimeout(),
	}, logging.Named(app.logger, "queue"))
	if err != nil {
		return fmt.Errorf("queue init failed: %w", err)
	}
	app.manager = manager

	app.sweeper, err = sweeper.New(manager, store, app.clock, cfg.Sweeper.Interval, logging.Named(app.logger, "sweeper"))
	if err != nil {
		return fmt.Errorf("sweeper init failed: %w", err)
	}
	return nil
}
