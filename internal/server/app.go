// Package server builds the capture service and runs its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/api"
	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/config"
	"github.com/JakeFAU/pagecapture/internal/pipeline"
	"github.com/JakeFAU/pagecapture/internal/progress"
	"github.com/JakeFAU/pagecapture/internal/queue"
	pgstore "github.com/JakeFAU/pagecapture/internal/storage/postgres"
	"github.com/JakeFAU/pagecapture/internal/strategy/headless"
	"github.com/JakeFAU/pagecapture/internal/sweeper"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	clock     capture.Clock
	ids       capture.IDGenerator
	blobs     capture.BlobStore
	pipeline  *pipeline.Pipeline
	manager   *queue.Manager
	sweeper   *sweeper.Sweeper
	apiServer *api.Server

	progressHub     *progress.Hub
	headless        *headless.Strategy
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	redisClient     *goredis.Client
	storage         *storage.Client
	history         *pgstore.HistoryStore
}

// NewApp creates an empty App for cfg.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("max_concurrent", cfg.Queue.MaxConcurrent),
		zap.Int("max_queue_depth", cfg.Queue.MaxQueueDepth),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the queue, the sweeper and the HTTP server, and blocks until ctx
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	managerCtx, cancelManager := context.WithCancel(context.Background())
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		a.logger.Info("queue manager started")
		a.manager.Run(managerCtx)
	}()

	if err := a.sweeper.Start(ctx); err != nil {
		cancelManager()
		<-managerDone
		return fmt.Errorf("start sweeper: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.sweeper.Stop()
	cancelManager()
	select {
	case <-managerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("queue manager did not stop before deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases every resource Build acquired. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	if a.headless != nil {
		a.headless.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.history != nil {
		a.history.Close()
	}
}

func (a *App) closeObservability() {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
