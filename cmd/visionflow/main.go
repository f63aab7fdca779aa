// Command visionflow starts the image-analysis orchestration engine: the
// registry poller, the worker pool, the QA pipeline, and the ops HTTP
// server, all in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/lensworks/visionflow/internal/adapter/httpserver"
	"github.com/lensworks/visionflow/internal/adapter/media"
	"github.com/lensworks/visionflow/internal/adapter/notify"
	"github.com/lensworks/visionflow/internal/adapter/observability"
	"github.com/lensworks/visionflow/internal/adapter/queue/redisq"
	"github.com/lensworks/visionflow/internal/adapter/registry"
	"github.com/lensworks/visionflow/internal/adapter/repo/postgres"
	"github.com/lensworks/visionflow/internal/adapter/vision"
	"github.com/lensworks/visionflow/internal/artifact"
	"github.com/lensworks/visionflow/internal/config"
	"github.com/lensworks/visionflow/internal/domain"
	"github.com/lensworks/visionflow/internal/orchestrator"
	"github.com/lensworks/visionflow/internal/profile"
	"github.com/lensworks/visionflow/internal/qa"
	"github.com/lensworks/visionflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// State store
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	processRepo := postgres.NewProcessRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	qaRepo := postgres.NewQARepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	// Queue store
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	broker := redisq.New(rdb, cfg.QueueDepth, cfg.LeaseTTL())

	// Profiles: an invalid profile at startup is fatal; hot reload keeps the
	// prior set on validation failure.
	profiles, err := profile.NewRegistry(cfg.ConfigDir)
	if err != nil {
		slog.Error("profile load failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := profiles.Watch(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("profile watcher stopped", slog.Any("error", err))
		}
	}()

	// External collaborators
	registryClient := registry.New(cfg.RegistryBaseURL, cfg.RegistryAPIKey, cfg.RegistryTimeout)
	visionClient := vision.New(cfg.ModelBaseURL, cfg.AnalysisTimeout)
	images := media.New(cfg.RegistryBaseURL, cfg.RegistryAPIKey, cfg.RegistryTimeout, media.Limits{
		MaxBytes:  cfg.MaxImageBytes,
		MinWidth:  cfg.MinImageWidth,
		MinHeight: cfg.MinImageHeight,
	})
	artifacts, err := artifact.New(cfg.ArtifactDir)
	if err != nil {
		slog.Error("artifact store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	var notifier domain.Notifier = notify.Nop{}
	if cfg.WebhookBaseURL != "" {
		notifier = notify.New(cfg.WebhookBaseURL, cfg.WebhookTimeout)
	}

	// One semaphore bounds every model call in the process: analysis,
	// corrective, and QA verdict calls all compete for the same slots.
	slots := semaphore.NewWeighted(cfg.ModelSlots)

	pipeline := qa.New(visionClient, qaRepo, auditRepo, notifier, cfg.QAModel, cfg.QATimeout, slots)

	workers := worker.New(worker.Config{
		Count:           cfg.WorkerCount,
		AnalysisModel:   cfg.AnalysisModel,
		AnalysisTimeout: cfg.AnalysisTimeout,
		LeaseTTL:        cfg.LeaseTTL(),
	}, broker, taskRepo, processRepo, auditRepo, profiles, images, visionClient, artifacts, pipeline, slots)

	orch := orchestrator.New(orchestrator.Config{
		PollInterval:       cfg.PollInterval,
		ReaperInterval:     cfg.ReaperInterval,
		BreakerWindow:      cfg.BreakerWindow,
		BreakerFailureRate: cfg.BreakerFailureRate,
		AnalysisModelName:  cfg.AnalysisModel,
	}, registryClient, processRepo, taskRepo, auditRepo, broker, artifacts, profiles, notifier)

	go workers.Run(ctx)
	go orch.Run(ctx)

	// Ops HTTP server
	srv := httpserver.NewServer(cfg, profiles, processRepo, taskRepo, auditRepo, broker,
		func(ctx context.Context) error { return pool.Ping(ctx) },
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		visionClient.Healthz,
	)
	handler := httpserver.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
