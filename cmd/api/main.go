package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/docflow-io/docflow/internal/api"
	"github.com/docflow-io/docflow/internal/config"
	"github.com/docflow-io/docflow/internal/engine"
	"github.com/docflow-io/docflow/internal/intake"
	"github.com/docflow-io/docflow/internal/limiter"
	"github.com/docflow-io/docflow/internal/orchestrator"
	"github.com/docflow-io/docflow/internal/ratelimit"
	"github.com/docflow-io/docflow/internal/store"
	"github.com/docflow-io/docflow/internal/telemetry"
	"github.com/docflow-io/docflow/internal/webhook"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.Config{
		ServiceName:  "docflow-api",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	uploads, err := intake.NewStore(intake.Config{
		UploadDir:    cfg.Intake.UploadDir,
		MaxSizeBytes: cfg.Intake.MaxSizeBytes,
	})
	if err != nil {
		logger.Fatalf("upload store setup failed: %v", err)
	}

	registry := prometheus.NewRegistry()
	jobStore := store.NewMemoryJobStore()
	slots := limiter.New(cfg.Jobs.MaxConcurrent)
	conversionEngine := engine.NewCommandEngine(engine.CommandConfig{
		Command: cfg.Engine.Command,
		Model:   cfg.Engine.Model,
	})
	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	jobs := orchestrator.New(logger, jobStore, conversionEngine, slots, webhookClient, orchestrator.Config{
		EngineTimeout: cfg.Jobs.EngineTimeout,
	}, registry)

	var rateLimiter api.RateLimiter
	if cfg.RateLimit.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		defer redisClient.Close()

		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		rateLimiter = bucket
	}

	app := api.NewServer(logger, jobs, uploads, api.Options{
		ExportDir:             cfg.Export.Dir,
		CORSOrigins:           cfg.API.CORSOrigins,
		RateLimiter:           rateLimiter,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		Registry:              registry,
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown failed: %v", err)
	}
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		logger.Printf("jobs shutdown incomplete: %v", err)
	}
}
