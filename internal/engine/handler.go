package engine

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/middleware"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
)

const maxControlBody = 1 << 20 // JSON control requests; artifact uploads are unbounded

// Handler exposes the engine to the control plane and the build worker.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger.With(slog.String("component", "engine_handler")),
	}
}

// Routes returns the engine's route tree.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "Deploy Engine is running")
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{"status": "ready"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/ports/check", h.CheckPort)
	r.Post("/artifacts/upload", h.UploadArtifact)
	r.Post("/activate", h.Activate)
	r.Post("/stop", h.Stop)
	r.Post("/projects/{projectID}/delete", h.DeleteProject)

	return r
}

// CheckPort handles POST /ports/check.
func (h *Handler) CheckPort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if req.Port <= 0 {
		response.BadRequest(w, "Port required")
		return
	}

	response.OK(w, map[string]bool{"available": h.engine.CheckPort(req.Port)})
}

// UploadArtifact handles POST /artifacts/upload?buildId=<uuid>. The body is
// the gzipped tar itself.
func (h *Handler) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	buildID := r.URL.Query().Get("buildId")
	if buildID == "" {
		response.BadRequest(w, "Missing buildId")
		return
	}
	if _, err := uuid.Parse(buildID); err != nil {
		response.BadRequest(w, "Invalid buildId")
		return
	}

	path, err := h.engine.ReceiveArtifact(buildID, r.Body)
	if err != nil {
		h.logger.Error("artifact upload failed",
			slog.String("build_id", buildID),
			slog.Any("error", err))
		response.Error(w, apierrors.ErrInternal.WithMessage("failed to store artifact"))
		return
	}

	response.OK(w, map[string]string{
		"message":      "Artifact received",
		"artifactPath": path,
	})
}

// Activate handles POST /activate. Blocks until the deployment passes its
// health check, so callers should budget a generous timeout.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var req deployer.ActivateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if !models.Framework(req.AppType).Valid() {
		response.BadRequest(w, "Invalid appType")
		return
	}
	if _, err := uuid.Parse(req.ProjectID); err != nil {
		response.BadRequest(w, "Invalid projectId")
		return
	}
	if _, err := uuid.Parse(req.BuildID); err != nil {
		response.BadRequest(w, "Invalid buildId")
		return
	}
	if req.Port <= 0 {
		response.BadRequest(w, "Port required")
		return
	}

	if err := h.engine.Activate(r.Context(), req); err != nil {
		h.logger.Error("activation failed",
			slog.String("project_id", req.ProjectID),
			slog.String("build_id", req.BuildID),
			slog.Any("error", err))
		response.Error(w, apierrors.ErrInternal.WithMessage(err.Error()))
		return
	}

	response.OK(w, map[string]bool{"success": true})
}

// Stop handles POST /stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	var req deployer.StopRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if req.Port <= 0 && req.ProjectID == "" {
		response.BadRequest(w, "Port or projectId required")
		return
	}
	if req.ProjectID != "" {
		if _, err := uuid.Parse(req.ProjectID); err != nil {
			response.BadRequest(w, "Invalid projectId")
			return
		}
	}

	if err := h.engine.Stop(r.Context(), req); err != nil {
		h.logger.Error("stop failed",
			slog.String("project_id", req.ProjectID),
			slog.Any("error", err))
		response.Error(w, apierrors.ErrInternal.WithMessage(err.Error()))
		return
	}

	response.OK(w, map[string]bool{"success": true})
}

// DeleteProject handles POST /projects/{projectID}/delete. The body is
// optional.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := uuid.Parse(projectID); err != nil {
		response.BadRequest(w, "Invalid project ID")
		return
	}

	var req deployer.DeleteProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.engine.DeleteProject(r.Context(), projectID, req); err != nil {
		h.logger.Error("project delete failed",
			slog.String("project_id", projectID),
			slog.Any("error", err))
		response.Error(w, apierrors.ErrInternal.WithMessage(err.Error()))
		return
	}

	response.OK(w, map[string]bool{"success": true})
}
