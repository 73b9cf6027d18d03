package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/repository"
)

// activationTimeout bounds the background deploy that follows a successful
// build. Covers artifact extraction, process swap, and health checking.
const activationTimeout = 2 * time.Minute

// commitMessageLimit truncates stored commit messages.
const commitMessageLimit = 255

// Enqueuer is the queue surface the build service needs. Enqueue returns
// false when a job with the same build id is already queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.BuildJobData) (bool, error)
}

// BuildService defines the interface for build lifecycle operations.
type BuildService interface {
	Create(ctx context.Context, projectID uuid.UUID, req models.CreateBuildRequest) (*models.Build, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Build, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.BuildWithDeployment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*models.Build, error)
}

type buildService struct {
	buildRepo   repository.BuildRepository
	projectRepo repository.ProjectRepository
	envSvc      EnvService
	deploySvc   DeploymentService
	logSvc      LogService
	queue       Enqueuer
	worker      deployer.Worker // nil when no fallback worker is configured
	logger      *slog.Logger
}

// NewBuildService creates a new build service. worker may be nil; it is only
// used as a direct-trigger fallback when queue submission fails.
func NewBuildService(
	buildRepo repository.BuildRepository,
	projectRepo repository.ProjectRepository,
	envSvc EnvService,
	deploySvc DeploymentService,
	logSvc LogService,
	queue Enqueuer,
	worker deployer.Worker,
	logger *slog.Logger,
) BuildService {
	return &buildService{
		buildRepo:   buildRepo,
		projectRepo: projectRepo,
		envSvc:      envSvc,
		deploySvc:   deploySvc,
		logSvc:      logSvc,
		queue:       queue,
		worker:      worker,
		logger:      logger.With(slog.String("component", "build_service")),
	}
}

// Create records a pending build and submits it to the build queue. The job
// carries a decrypted snapshot of the project's environment taken now; later
// env var edits do not affect an already-queued build.
func (s *buildService) Create(ctx context.Context, projectID uuid.UUID, req models.CreateBuildRequest) (*models.Build, error) {
	project, err := s.projectRepo.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return nil, apierrors.NewNotFoundError("Project")
	}

	build := &models.Build{
		ProjectID: projectID,
		Status:    models.BuildStatusPending,
	}
	if req.CommitSHA != "" {
		sha := req.CommitSHA
		build.CommitSHA = &sha
	}
	if req.CommitMessage != "" {
		msg := truncate(req.CommitMessage, commitMessageLimit)
		build.CommitMessage = &msg
	}
	if err := s.buildRepo.Create(ctx, build); err != nil {
		return nil, fmt.Errorf("failed to create build: %w", err)
	}

	envVars, err := s.envSvc.DecryptedMap(ctx, projectID)
	if err != nil {
		return nil, err
	}

	job := &models.BuildJobData{
		BuildID:        build.ID,
		ProjectID:      projectID,
		RepoURL:        project.RepoURL,
		BuildCommand:   project.BuildCommand,
		RootDirectory:  project.RootDirectory,
		Framework:      project.Framework,
		EnvVars:        envVars,
		InstallationID: project.InstallationID,
	}

	if err := s.submit(ctx, job); err != nil {
		if markErr := s.buildRepo.MarkFailed(ctx, build.ID); markErr != nil {
			s.logger.Error("failed to mark build failed",
				slog.String("build_id", build.ID.String()),
				slog.String("error", markErr.Error()))
		}
		build.Status = models.BuildStatusFailed
		if _, logErr := s.logSvc.Append(ctx, build.ID,
			fmt.Sprintf("Failed to submit build job: %v", err),
			models.LogLevelError.String()); logErr != nil {
			s.logger.Warn("failed to append submission log",
				slog.String("build_id", build.ID.String()),
				slog.String("error", logErr.Error()))
		}
		return nil, apierrors.NewUpstreamError("build-queue", err.Error())
	}

	s.logger.Info("build queued",
		slog.String("build_id", build.ID.String()),
		slog.String("project_id", projectID.String()))
	return build, nil
}

// Get retrieves a build by ID.
func (s *buildService) Get(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	build, err := s.buildRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	if build == nil {
		return nil, apierrors.NewNotFoundError("Build")
	}
	return build, nil
}

// ListByProject retrieves a project's builds newest first, joined with their
// deployment rows.
func (s *buildService) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.BuildWithDeployment, error) {
	project, err := s.projectRepo.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return nil, apierrors.NewNotFoundError("Project")
	}
	return s.buildRepo.ListByProject(ctx, projectID, limit)
}

// UpdateStatus advances a build through pending -> building -> (success |
// failed). Terminal states are sticky: repeating a terminal update returns
// the build unchanged rather than an error, so worker retries stay
// idempotent. A transition to success kicks off activation in the
// background; its failure is logged into the build's stream and never
// reverses the success status.
func (s *buildService) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*models.Build, error) {
	next := models.BuildStatus(status)
	if !next.Valid() {
		return nil, apierrors.NewValidationError("status", fmt.Sprintf("unknown build status %q", status))
	}

	err := s.buildRepo.UpdateStatus(ctx, id, next)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("failed to update build status: %w", err)
	}
	noop := isNoRows(err)

	build, err := s.buildRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	if build == nil {
		return nil, apierrors.NewNotFoundError("Build")
	}
	if noop {
		return build, nil
	}

	if next == models.BuildStatusSuccess {
		go s.activateInBackground(build.ID)
	}
	return build, nil
}

// --- Helper methods ---

// submit hands the job to the queue, falling back to a direct worker trigger
// when the queue is unavailable.
func (s *buildService) submit(ctx context.Context, job *models.BuildJobData) error {
	enqueued, err := s.queue.Enqueue(ctx, job)
	if err == nil {
		if !enqueued {
			s.logger.Info("build already queued",
				slog.String("build_id", job.BuildID.String()))
		}
		return nil
	}

	if s.worker == nil {
		return err
	}
	s.logger.Warn("queue unavailable, triggering worker directly",
		slog.String("build_id", job.BuildID.String()),
		slog.String("error", err.Error()))
	if triggerErr := s.worker.TriggerBuild(ctx, job); triggerErr != nil {
		return fmt.Errorf("queue: %v; direct trigger: %w", err, triggerErr)
	}
	return nil
}

func (s *buildService) activateInBackground(buildID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), activationTimeout)
	defer cancel()

	if _, err := s.deploySvc.ActivateBuild(ctx, buildID); err != nil {
		s.logger.Error("auto-activation failed",
			slog.String("build_id", buildID.String()),
			slog.String("error", err.Error()))
	}
}

// truncate shortens s to at most limit runes without splitting a rune.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// Compile-time check to ensure buildService implements BuildService.
var _ BuildService = (*buildService)(nil)
