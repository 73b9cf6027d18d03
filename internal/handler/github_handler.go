package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/service"
)

// GitHubHandler serves the repository picker: which installations the
// app has, and which repositories each installation can see.
type GitHubHandler struct {
	githubService service.GitHubService
}

// NewGitHubHandler creates a new GitHub handler.
func NewGitHubHandler(githubService service.GitHubService) *GitHubHandler {
	return &GitHubHandler{githubService: githubService}
}

// ListInstallations handles GET /github/installations
func (h *GitHubHandler) ListInstallations(w http.ResponseWriter, r *http.Request) {
	installations, err := h.githubService.ListInstallations(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, installations)
}

// ListRepositories handles GET /github/installations/{id}/repositories
func (h *GitHubHandler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	installationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid installation ID"))
		return
	}

	repos, err := h.githubService.ListRepositories(r.Context(), installationID)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, repos)
}
