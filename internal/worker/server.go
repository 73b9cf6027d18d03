package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thakurdotdev/deploy/internal/middleware"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
)

// maxJobBody bounds the direct-trigger payload; a build job is a few KB
// even with a large environment.
const maxJobBody = 1 << 20

// Server is the worker's HTTP surface: the direct-trigger fallback used
// when the control plane cannot reach the queue, plus health and metrics.
type Server struct {
	runner *Runner
	logger *slog.Logger
}

// NewServer creates the worker HTTP server around a runner.
func NewServer(runner *Runner, logger *slog.Logger) *Server {
	return &Server{
		runner: runner,
		logger: logger.With(slog.String("component", "worker_server")),
	}
}

// Routes returns the worker's router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/build", s.handleBuild)

	return r
}

// handleBuild handles POST /build. The job is accepted and run in the
// background; outcome lands in the build's status and logs, not in this
// response.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJobBody))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Failed to read request body"))
		return
	}

	job, err := models.DecodeBuildJob(body)
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid build job payload"))
		return
	}

	go func() {
		// Detached from the request; the trigger call returns immediately.
		if err := s.runner.Run(context.Background(), job); err != nil {
			s.logger.Error("direct-triggered build failed",
				slog.String("build_id", job.BuildID.String()),
				slog.String("error", err.Error()))
		}
	}()

	response.Accepted(w, map[string]string{
		"message":  "Build triggered",
		"build_id": job.BuildID.String(),
	})
}
