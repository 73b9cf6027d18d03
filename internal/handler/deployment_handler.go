package handler

import (
	"net/http"

	"github.com/thakurdotdev/deploy/internal/middleware"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/service"
)

// DeploymentHandler exposes manual deployment operations. The usual
// path to production is the build pipeline promoting a successful
// build on its own; this handler covers re-activating an older build
// (rollback) and similar operator-driven moves.
type DeploymentHandler struct {
	deploymentService service.DeploymentService
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(deploymentService service.DeploymentService) *DeploymentHandler {
	return &DeploymentHandler{deploymentService: deploymentService}
}

// Activate handles POST /deploy/build/{id}/activate
func (h *DeploymentHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}

	deployment, err := h.deploymentService.ActivateBuild(r.Context(), id)
	if err != nil {
		middleware.ObserveDeployment("failed")
		response.Error(w, err)
		return
	}

	middleware.ObserveDeployment("activated")
	response.OK(w, deployment)
}
