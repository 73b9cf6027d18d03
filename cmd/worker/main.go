// Package main is the entry point for the build worker.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thakurdotdev/deploy/internal/config"
	"github.com/thakurdotdev/deploy/internal/database"
	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/githubapp"
	"github.com/thakurdotdev/deploy/internal/queue"
	"github.com/thakurdotdev/deploy/internal/worker"
)

func main() {
	// Setup structured logger. The worker logs to stderr; stdout stays
	// clean for anything build tooling might emit around the runner.
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting build worker",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.String("workspace", cfg.Worker.WorkspaceDir),
	)

	// Connect to Redis for the build queue
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	buildQueue := queue.New(redis.Client(), logger)

	// Downstream clients
	control := worker.NewControlClient(cfg.Services.ControlAPIURL, logger)
	engine := deployer.NewEngineClient(cfg.Services.DeployEngineURL, logger)

	// GitHub App client for private clones; optional
	var tokens worker.TokenSource
	if cfg.GitHub.Configured() {
		ghClient, err := githubapp.NewClient(cfg.GitHub, logger)
		if err != nil {
			log.Fatalf("Failed to initialize GitHub App client: %v", err)
		}
		tokens = ghClient
	} else {
		logger.Warn("GitHub App not configured; only public repositories will clone")
	}

	runner := worker.NewRunner(cfg.Worker.WorkspaceDir, control, engine, tokens, logger)
	consumer := worker.NewConsumer(buildQueue, runner, logger)
	server := worker.NewServer(runner, logger)

	// Queue consumer runs until shutdown
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Start(consumerCtx)
	}()

	// Create server for the direct-trigger fallback, health, and metrics
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down worker", slog.String("signal", sig.String()))

	// Stop taking new jobs, then drain the HTTP server.
	stopConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	select {
	case <-consumerDone:
	case <-ctx.Done():
		logger.Warn("consumer did not stop before deadline")
	}

	logger.Info("Worker stopped gracefully")
}
