// Package main is the entry point for the control plane API server.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thakurdotdev/deploy/internal/config"
	"github.com/thakurdotdev/deploy/internal/crypto"
	"github.com/thakurdotdev/deploy/internal/database"
	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/githubapp"
	"github.com/thakurdotdev/deploy/internal/handler"
	"github.com/thakurdotdev/deploy/internal/loghub"
	"github.com/thakurdotdev/deploy/internal/middleware"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/queue"
	"github.com/thakurdotdev/deploy/internal/repository"
	"github.com/thakurdotdev/deploy/internal/service"
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
	cfg, err := config.LoadControlPlane()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting control plane API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// The env var cipher key must be usable before anything is stored with
	// it, so validate at startup rather than on first write.
	key, err := crypto.ParseKey(cfg.Crypto.EncryptionKey)
	if err != nil {
		log.Fatalf("Invalid ENCRYPTION_KEY: %v", err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		log.Fatalf("Failed to initialize cipher: %v", err)
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Build queue and live log hub
	buildQueue := queue.New(redis.Client(), logger)
	hub := loghub.NewHub()

	// Clients for the deploy engine and the build worker's HTTP fallback
	engine := deployer.NewEngineClient(cfg.Services.DeployEngineURL, logger)
	var worker deployer.Worker
	if cfg.Services.BuildWorkerURL != "" {
		worker = deployer.NewWorkerClient(cfg.Services.BuildWorkerURL, logger)
	}

	// GitHub App client; optional, the platform degrades without it
	var sourceClient service.SourceClient
	if cfg.GitHub.Configured() {
		ghClient, err := githubapp.NewClient(cfg.GitHub, logger)
		if err != nil {
			log.Fatalf("Failed to initialize GitHub App client: %v", err)
		}
		sourceClient = ghClient
		logger.Info("GitHub App configured", slog.String("app_id", cfg.GitHub.AppID))
	} else {
		logger.Warn("GitHub App not configured; webhook builds and repository listing disabled")
	}

	// Repositories
	projectRepo := repository.NewProjectRepository(db.Pool())
	buildRepo := repository.NewBuildRepository(db.Pool())
	deploymentRepo := repository.NewDeploymentRepository(db.Pool())
	logRepo := repository.NewLogRepository(db.Pool())
	envRepo := repository.NewEnvVarRepository(db.Pool())
	installationRepo := repository.NewInstallationRepository(db.Pool())

	// Services
	envSvc := service.NewEnvService(envRepo, projectRepo, cipher)
	logSvc := service.NewLogService(logRepo, buildRepo, hub, logger)
	deploySvc := service.NewDeploymentService(deploymentRepo, buildRepo, projectRepo, envSvc, logSvc, engine, logger)
	buildSvc := service.NewBuildService(buildRepo, projectRepo, envSvc, deploySvc, logSvc, buildQueue, worker, logger)
	projectSvc := service.NewProjectService(projectRepo, buildRepo, deploymentRepo, envSvc, engine, cfg.Engine.BaseDomain, cfg.Server.IsProduction(), logger)
	webhookSvc := service.NewWebhookService(projectRepo, buildRepo, installationRepo, buildSvc, logger)
	githubSvc := service.NewGitHubService(installationRepo, sourceClient, logger)

	// Handlers
	projectHandler := handler.NewProjectHandler(projectSvc, buildSvc, envSvc, deploySvc)
	buildHandler := handler.NewBuildHandler(buildSvc, logSvc)
	deploymentHandler := handler.NewDeploymentHandler(deploySvc)
	domainHandler := handler.NewDomainHandler(projectSvc)
	githubHandler := handler.NewGitHubHandler(githubSvc)
	webhookHandler := handler.NewWebhookHandler(webhookSvc, cfg.GitHub.WebhookSecret, logger)
	internalHandler := handler.NewInternalHandler(buildSvc, logSvc, buildQueue)
	streamHandler := handler.NewStreamHandler(buildSvc, logSvc, cfg.Services.ClientURL, logger)

	sessionStore := middleware.NewSessionStore(cfg.Server.SessionSecret, cfg.Server.IsProduction())
	if sessionStore == nil {
		logger.Warn("SESSION_SECRET not set; dashboard routes are unauthenticated")
	}

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.Services.ClientURL))

	// Health check endpoints (no auth required)
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{
			"name":    "Deploy Control Plane API",
			"version": "1.0.0",
		})
	})

	// Webhook ingress. Signature verification replaces the session gate;
	// its rate limit window is wider than the dashboard's.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.WebhookRateLimitConfig()))
		r.Post("/github/webhook", webhookHandler.Handle)
	})

	// Internal routes for the build worker and deploy engine. No session;
	// reachability is restricted at the network layer.
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))
		r.Put("/builds/{id}", internalHandler.UpdateBuild)
		r.Post("/builds/{id}/logs", internalHandler.PostLogs)
		r.Delete("/builds/queue", internalHandler.DrainQueue)
	})

	// Dashboard API
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		r.Use(middleware.Session(sessionStore))

		r.Mount("/projects", projectHandler.Routes())

		r.With(chimiddleware.Timeout(30*time.Second)).Get("/builds/{id}", buildHandler.Get)
		r.With(chimiddleware.Timeout(30*time.Second)).Get("/builds/{id}/logs", buildHandler.ListLogs)
		r.With(chimiddleware.Timeout(30*time.Second)).Delete("/builds/{id}/logs", buildHandler.DeleteLogs)

		// No timeout middleware here; streams stay open until the client
		// leaves or the build stops logging.
		r.Get("/builds/{id}/logs/stream", streamHandler.Stream)

		r.Post("/deploy/build/{id}/activate", deploymentHandler.Activate)
		r.Get("/domains/check", domainHandler.Check)
		r.Get("/github/installations", githubHandler.ListInstallations)
		r.Get("/github/installations/{id}/repositories", githubHandler.ListRepositories)
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
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

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// healthHandler returns a simple health check that always succeeds if the
// server is running.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler returns a readiness check that verifies database and Redis
// connections.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}

		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
