// Package main is the entry point for the deploy engine.
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
	"github.com/thakurdotdev/deploy/internal/engine"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.LoadEngine()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting deploy engine",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.String("apps", cfg.Engine.AppsDir),
		slog.String("artifacts", cfg.Engine.ArtifactsDir),
		slog.Bool("docker", cfg.Engine.UseDocker),
	)

	// Deploy log entries go to the control plane's log pipeline
	sink := engine.NewLogSink(cfg.Services.ControlAPIURL, logger)

	eng, err := engine.New(cfg.Engine, cfg.Server.IsProduction(), sink, logger)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	// Catch-all proxy rule so unknown subdomains get a clean 404
	if cfg.Server.IsProduction() {
		if err := eng.InstallDefaultProxy(); err != nil {
			logger.Warn("Failed to install default nginx config", slog.Any("error", err))
		}
	}

	// Re-attach to deployments that survived an engine restart
	eng.Recover()

	handler := engine.NewHandler(eng, logger)

	// Activation blocks through extraction, dependency install, and the
	// health check, so the write timeout is deliberately long.
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
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

	logger.Info("Shutting down engine", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	// Static listeners stop with the engine; processes and containers
	// keep serving and are reclaimed on the next activation.
	eng.Close()

	logger.Info("Engine stopped gracefully")
}
