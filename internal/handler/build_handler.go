package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/service"
)

// BuildHandler handles build lookups and per-build log access.
type BuildHandler struct {
	buildService service.BuildService
	logService   service.LogService
}

// NewBuildHandler creates a new build handler.
func NewBuildHandler(buildService service.BuildService, logService service.LogService) *BuildHandler {
	return &BuildHandler{
		buildService: buildService,
		logService:   logService,
	}
}

// Get handles GET /builds/{id}
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}

	build, err := h.buildService.Get(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, build)
}

// ListLogs handles GET /builds/{id}/logs. Entries come back oldest first;
// the live stream endpoint covers anything written after this call.
func (h *BuildHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}

	logs, err := h.logService.List(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	if logs == nil {
		logs = []*models.LogEntry{}
	}
	response.OK(w, logs)
}

// DeleteLogs handles DELETE /builds/{id}/logs
func (h *BuildHandler) DeleteLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}

	// Ensure the build exists so a typo'd id 404s instead of silently
	// deleting nothing.
	if _, err := h.buildService.Get(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}

	deleted, err := h.logService.DeleteForBuild(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]int64{"deleted": deleted})
}

// buildID parses the {id} route parameter, writing the error response
// itself so callers can bail with a bare return.
func buildID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid build ID"))
		return uuid.Nil, false
	}
	return id, true
}
