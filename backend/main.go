package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-video-preview/pkg/catalog"
	"github.com/imalyk/go-video-preview/pkg/config"
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection: %v", err)
	}

	store, err := storage.New(storage.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Region:    cfg.MinioRegion,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := store.EnsureBuckets(ctx, cfg.UploadBucket, cfg.VideoBucket, cfg.PreviewBucket); err != nil {
		log.Fatal(err)
	}

	s := &server{
		cfg: serverConfig{
			UploadBucket:   cfg.UploadBucket,
			PreviewBucket:  cfg.PreviewBucket,
			MaxUploadBytes: cfg.MaxUploadBytes,
			UploadRate:     cfg.UploadRate,
			UploadWindow:   cfg.UploadWindow,
			PresignExpiry:  cfg.PresignExpiry,
		},
		logger:  logger,
		jobs:    queue.New(redisClient, cfg.RedisQueueKey),
		store:   store,
		catalog: catalog.New(redisClient),
		ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("starting upload API", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("upload API stopped")
}
