package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/repository"
)

// DeploymentService defines the interface for deployment operations.
type DeploymentService interface {
	ActivateBuild(ctx context.Context, buildID uuid.UUID) (*models.Deployment, error)
	GetActiveForProject(ctx context.Context, projectID uuid.UUID) (*models.Deployment, error)
}

type deploymentService struct {
	deploymentRepo repository.DeploymentRepository
	buildRepo      repository.BuildRepository
	projectRepo    repository.ProjectRepository
	envSvc         EnvService
	logSvc         LogService
	engine         deployer.Engine
	logger         *slog.Logger
}

// NewDeploymentService creates a new deployment service.
func NewDeploymentService(
	deploymentRepo repository.DeploymentRepository,
	buildRepo repository.BuildRepository,
	projectRepo repository.ProjectRepository,
	envSvc EnvService,
	logSvc LogService,
	engine deployer.Engine,
	logger *slog.Logger,
) DeploymentService {
	return &deploymentService{
		deploymentRepo: deploymentRepo,
		buildRepo:      buildRepo,
		projectRepo:    projectRepo,
		envSvc:         envSvc,
		logSvc:         logSvc,
		engine:         engine,
		logger:         logger.With(slog.String("component", "deployment_service")),
	}
}

// ActivateBuild promotes a successful build to the project's live
// deployment. The engine swap is health-checked: traffic only moves once the
// new process answers on the project port, so a failed activation leaves the
// previous deployment serving and no new deployment row is written.
func (s *deploymentService) ActivateBuild(ctx context.Context, buildID uuid.UUID) (*models.Deployment, error) {
	build, err := s.buildRepo.GetByID(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	if build == nil {
		return nil, apierrors.NewNotFoundError("Build")
	}
	if build.Status != models.BuildStatusSuccess {
		return nil, apierrors.ErrConflict.WithMessage(
			fmt.Sprintf("build %s is %s; only successful builds can be deployed", buildID, build.Status))
	}

	project, err := s.projectRepo.GetByID(ctx, build.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return nil, apierrors.NewNotFoundError("Project")
	}

	envVars, err := s.envSvc.DecryptedMap(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	s.deployLog(ctx, buildID, models.LogLevelDeploy,
		fmt.Sprintf("Deploying build %s to port %d", buildID, project.Port))

	err = s.engine.Activate(ctx, deployer.ActivateRequest{
		ProjectID: project.ID.String(),
		BuildID:   buildID.String(),
		Port:      project.Port,
		AppType:   project.Framework.String(),
		Subdomain: project.Subdomain(),
		EnvVars:   envVars,
	})
	if err != nil {
		s.deployLog(ctx, buildID, models.LogLevelError,
			fmt.Sprintf("Deployment failed: %v", err))
		return nil, apierrors.NewDeploymentError(err.Error())
	}

	deployment, err := s.deploymentRepo.Activate(ctx, project.ID, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to record deployment: %w", err)
	}

	s.deployLog(ctx, buildID, models.LogLevelSuccess,
		fmt.Sprintf("Deployment live on port %d", project.Port))
	s.logger.Info("build activated",
		slog.String("project_id", project.ID.String()),
		slog.String("build_id", buildID.String()),
		slog.Int("port", project.Port))
	return deployment, nil
}

// GetActiveForProject retrieves the deployment currently serving a project.
func (s *deploymentService) GetActiveForProject(ctx context.Context, projectID uuid.UUID) (*models.Deployment, error) {
	project, err := s.projectRepo.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return nil, apierrors.NewNotFoundError("Project")
	}

	deployment, err := s.deploymentRepo.GetActiveByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	if deployment == nil {
		return nil, apierrors.NewNotFoundError("Active deployment")
	}
	return deployment, nil
}

// --- Helper methods ---

// deployLog appends a line to the build's log stream. Logging failures are
// reported but never abort the deployment itself.
func (s *deploymentService) deployLog(ctx context.Context, buildID uuid.UUID, level models.LogLevel, message string) {
	if _, err := s.logSvc.Append(ctx, buildID, message, level.String()); err != nil {
		s.logger.Warn("failed to append deploy log",
			slog.String("build_id", buildID.String()),
			slog.String("error", err.Error()))
	}
}

// Compile-time check to ensure deploymentService implements DeploymentService.
var _ DeploymentService = (*deploymentService)(nil)
