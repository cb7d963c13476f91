package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cartograph/api/internal/app"
	"cartograph/api/internal/audit"
	"cartograph/api/internal/blob"
	"cartograph/api/internal/config"
	"cartograph/api/internal/ratelimit"
	"cartograph/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := audit.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	blobs, err := blob.New(cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		logger.Fatal("blob bucket init failed", zap.Error(err))
	}

	windows := map[string]ratelimit.Window{
		ratelimit.ClassRead:  {Capacity: cfg.ReadRateCapacity, Duration: cfg.ReadRateWindow},
		ratelimit.ClassWrite: {Capacity: cfg.WriteRateCapacity, Duration: cfg.WriteRateWindow},
	}
	var limiter ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL, windows)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		logger.Info("using Redis-backed rate limiting")
	} else {
		// Degraded fallback: counters reset on restart and are not shared
		// across instances.
		limiter = ratelimit.NewMemoryLimiter(windows)
		logger.Warn("REDIS_URL not set, using in-process rate limiting")
	}

	sink := audit.NewSink(logger)
	service := app.New(cfg, store.NewPostgresStore(db), blobs, limiter, sink, logger)
	httpServer := app.NewHTTPServer(service, []byte(cfg.TokenSecret), cfg.CORSOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Cartograph state API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
