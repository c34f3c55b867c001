package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/imalyk/go-video-preview/pkg/catalog"
	"github.com/imalyk/go-video-preview/pkg/config"
	"github.com/imalyk/go-video-preview/pkg/media"
	"github.com/imalyk/go-video-preview/pkg/preview"
	"github.com/imalyk/go-video-preview/pkg/queue"
	"github.com/imalyk/go-video-preview/pkg/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := media.CheckBinaries(cfg.FFMPEGPath, cfg.FFProbePath); err != nil {
		log.Fatalf("missing dependency: %v", err)
	}

	w, err := newWorker(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise worker: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting worker", "queue", cfg.RedisQueueKey, "concurrency", cfg.Workers)
		return w.run(gctx)
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func newWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*worker, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	store, err := storage.New(storage.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Region:    cfg.MinioRegion,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBuckets(ctx, cfg.UploadBucket, cfg.VideoBucket, cfg.PreviewBucket); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	pipeline := preview.New(cfg.Pipeline(), media.NewFFprobe(cfg.FFProbePath), cfg.Encoder(), logger)

	return &worker{
		cfg: workerConfig{
			TempDir:       cfg.TempDir,
			VideoBucket:   cfg.VideoBucket,
			PreviewBucket: cfg.PreviewBucket,
			PollTimeout:   cfg.PollTimeout,
			MaxRetries:    cfg.MaxRetries,
			Concurrency:   cfg.Workers,
		},
		logger:   logger,
		queue:    queue.New(redisClient, cfg.RedisQueueKey),
		store:    store,
		catalog:  catalog.New(redisClient),
		pipeline: pipeline,
	}, nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
