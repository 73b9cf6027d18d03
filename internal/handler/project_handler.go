// Package handler provides HTTP handlers for the control plane API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/middleware"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/service"
)

// Default and maximum page sizes for build history listings.
const (
	defaultBuildLimit = 20
	maxBuildLimit     = 100
)

// ProjectHandler handles project-related HTTP requests, including the
// per-project build, environment, and deployment sub-resources.
type ProjectHandler struct {
	projectService service.ProjectService
	buildService   service.BuildService
	envService     service.EnvService
	deployService  service.DeploymentService
	validate       *validator.Validate
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(
	projectService service.ProjectService,
	buildService service.BuildService,
	envService service.EnvService,
	deployService service.DeploymentService,
) *ProjectHandler {
	return &ProjectHandler{
		projectService: projectService,
		buildService:   buildService,
		envService:     envService,
		deployService:  deployService,
		validate:       validator.New(),
	}
}

// Routes returns a chi router with project routes.
func (h *ProjectHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Project CRUD operations
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)

	// Runtime operations
	r.Get("/{id}/deployment", h.ActiveDeployment)
	r.Post("/{id}/stop", h.Stop)

	// Build history
	r.Get("/{id}/builds", h.ListBuilds)
	r.Post("/{id}/builds", h.CreateBuild)

	// Environment variables
	r.Get("/{id}/env", h.ListEnvVars)
	r.Post("/{id}/env", h.SetEnvVars)
	r.Delete("/{id}/env/{key}", h.DeleteEnvVar)

	return r
}

// Create handles POST /projects
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage(err.Error()))
		return
	}

	project, err := h.projectService.Create(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Created(w, project)
}

// List handles GET /projects
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projectService.List(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}

	if projects == nil {
		projects = []*models.Project{}
	}
	response.OK(w, projects)
}

// Get handles GET /projects/{id}
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	project, err := h.projectService.Get(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, project)
}

// Update handles PUT /projects/{id}
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	var req models.UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	project, err := h.projectService.Update(r.Context(), id, req)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, project)
}

// Delete handles DELETE /projects/{id}
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	if err := h.projectService.Delete(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}

	response.NoContent(w)
}

// ActiveDeployment handles GET /projects/{id}/deployment
func (h *ProjectHandler) ActiveDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	deployment, err := h.deployService.GetActiveForProject(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, deployment)
}

// Stop handles POST /projects/{id}/stop
func (h *ProjectHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	if err := h.projectService.Stop(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]string{"status": "stopped"})
}

// ListBuilds handles GET /projects/{id}/builds
func (h *ProjectHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	limit := defaultBuildLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, apierrors.NewValidationError("limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > maxBuildLimit {
		limit = maxBuildLimit
	}

	builds, err := h.buildService.ListByProject(r.Context(), id, limit)
	if err != nil {
		response.Error(w, err)
		return
	}

	if builds == nil {
		builds = []*models.BuildWithDeployment{}
	}
	response.OK(w, builds)
}

// CreateBuild handles POST /projects/{id}/builds. The build is accepted and
// queued; progress is visible through the build's log stream.
func (h *ProjectHandler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	var req models.CreateBuildRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
			return
		}
	}

	build, err := h.buildService.Create(r.Context(), id, req)
	if err != nil {
		response.Error(w, err)
		return
	}

	middleware.IncrementBuildsCreated()
	response.Accepted(w, build)
}

// ListEnvVars handles GET /projects/{id}/env. Values come back decrypted;
// this route sits behind the session gate.
func (h *ProjectHandler) ListEnvVars(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	vars, err := h.envService.List(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	if vars == nil {
		vars = []models.EnvVarResponse{}
	}
	response.OK(w, vars)
}

// SetEnvVars handles POST /projects/{id}/env
func (h *ProjectHandler) SetEnvVars(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	var req models.SetEnvVarsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.NewValidationError("env_vars", "at least one variable is required"))
		return
	}

	if err := h.envService.Set(r.Context(), id, req.EnvVars); err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]int{"updated": len(req.EnvVars)})
}

// DeleteEnvVar handles DELETE /projects/{id}/env/{key}
func (h *ProjectHandler) DeleteEnvVar(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	key := chi.URLParam(r, "key")
	if key == "" {
		response.Error(w, apierrors.NewValidationError("key", "key is required"))
		return
	}

	if err := h.envService.Delete(r.Context(), id, key); err != nil {
		response.Error(w, err)
		return
	}

	response.NoContent(w)
}

// projectID parses the {id} route parameter, writing the error response
// itself so callers can bail with a bare return.
func projectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid project ID"))
		return uuid.Nil, false
	}
	return id, true
}
