package handler

import (
	"net/http"
	"strings"

	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/service"
)

// DomainHandler answers subdomain availability checks for the
// project creation form.
type DomainHandler struct {
	projectService service.ProjectService
}

// NewDomainHandler creates a new domain handler.
func NewDomainHandler(projectService service.ProjectService) *DomainHandler {
	return &DomainHandler{projectService: projectService}
}

// Check handles GET /domains/check?subdomain=
func (h *DomainHandler) Check(w http.ResponseWriter, r *http.Request) {
	subdomain := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("subdomain")))
	if subdomain == "" {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("subdomain query parameter is required"))
		return
	}

	available, err := h.projectService.DomainAvailable(r.Context(), subdomain)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]any{
		"subdomain": subdomain,
		"available": available,
	})
}
