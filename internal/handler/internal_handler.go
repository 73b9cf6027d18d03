package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/thakurdotdev/deploy/internal/middleware"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/queue"
	"github.com/thakurdotdev/deploy/internal/service"
)

// InternalHandler serves the callbacks the build worker and deploy engine
// make against the control plane: log ingestion, status transitions, and
// queue maintenance. These routes sit outside the session gate; the
// deployment keeps them reachable only from the internal network.
type InternalHandler struct {
	buildService service.BuildService
	logService   service.LogService
	queue        *queue.Queue
	validate     *validator.Validate
}

// NewInternalHandler creates a new internal handler.
func NewInternalHandler(buildService service.BuildService, logService service.LogService, q *queue.Queue) *InternalHandler {
	return &InternalHandler{
		buildService: buildService,
		logService:   logService,
		queue:        q,
		validate:     validator.New(),
	}
}

// PostLogs handles POST /builds/{id}/logs
func (h *InternalHandler) PostLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}

	var req models.PostLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.NewValidationError("logs", "logs is required"))
		return
	}

	count, err := h.logService.Append(r.Context(), id, req.Logs, req.Level)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]int{"appended": count})
}

// UpdateBuild handles PUT /builds/{id}
func (h *InternalHandler) UpdateBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}

	var req models.UpdateBuildStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.NewValidationError("status", "status is required"))
		return
	}

	build, err := h.buildService.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		response.Error(w, err)
		return
	}

	if build.Status.Terminal() {
		middleware.ObserveBuildCompleted(build.Status.String())
	}
	response.OK(w, build)
}

// DrainQueue handles DELETE /builds/queue
func (h *InternalHandler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	removed, err := h.queue.Drain(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]int{"removed": removed})
}
