package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thakurdotdev/deploy/internal/githubapp"
	"github.com/thakurdotdev/deploy/internal/models"
	"github.com/thakurdotdev/deploy/internal/repository"
)

// WebhookService defines the interface for source-provider event handling.
// Signature verification happens at the HTTP boundary where the raw body is
// available; these methods receive already-authenticated events.
type WebhookService interface {
	HandlePush(ctx context.Context, event *githubapp.PushEvent) (*models.PushResult, error)
	HandleInstallation(ctx context.Context, event *githubapp.InstallationEvent) (*models.InstallationResult, error)
}

type webhookService struct {
	projectRepo      repository.ProjectRepository
	buildRepo        repository.BuildRepository
	installationRepo repository.InstallationRepository
	buildSvc         BuildService
	logger           *slog.Logger
}

// NewWebhookService creates a new webhook service.
func NewWebhookService(
	projectRepo repository.ProjectRepository,
	buildRepo repository.BuildRepository,
	installationRepo repository.InstallationRepository,
	buildSvc BuildService,
	logger *slog.Logger,
) WebhookService {
	return &webhookService{
		projectRepo:      projectRepo,
		buildRepo:        buildRepo,
		installationRepo: installationRepo,
		buildSvc:         buildSvc,
		logger:           logger.With(slog.String("component", "webhook_service")),
	}
}

// HandlePush triggers a build for every matching project. A project matches
// when its repo id and default branch equal the push's; it is skipped when
// auto-deploy is off or a build for the same commit already exists in any
// status. Per-project failures are logged and counted as skipped so one bad
// project cannot block the rest of the delivery.
func (s *webhookService) HandlePush(ctx context.Context, event *githubapp.PushEvent) (*models.PushResult, error) {
	branch := event.Branch()
	if branch == "" {
		return &models.PushResult{Reason: "ref is not a branch"}, nil
	}

	projects, err := s.projectRepo.ListByRepoAndBranch(ctx, event.Repository.ID, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to match projects: %w", err)
	}
	if len(projects) == 0 {
		return &models.PushResult{Reason: "no matching projects"}, nil
	}

	result := &models.PushResult{Processed: true}
	for _, project := range projects {
		if !project.AutoDeploy {
			result.BuildsSkipped++
			continue
		}

		existing, err := s.buildRepo.GetByProjectAndCommit(ctx, project.ID, event.After)
		if err != nil {
			return nil, fmt.Errorf("failed to check for duplicate build: %w", err)
		}
		if existing != nil {
			s.logger.Info("push already built",
				slog.String("project_id", project.ID.String()),
				slog.String("commit_sha", event.After))
			result.BuildsSkipped++
			continue
		}

		req := models.CreateBuildRequest{CommitSHA: event.After}
		if event.HeadCommit != nil {
			req.CommitMessage = event.HeadCommit.Message
		}
		build, err := s.buildSvc.Create(ctx, project.ID, req)
		if err != nil {
			s.logger.Error("failed to create build from push",
				slog.String("project_id", project.ID.String()),
				slog.String("commit_sha", event.After),
				slog.String("error", err.Error()))
			result.BuildsSkipped++
			continue
		}

		s.logger.Info("build triggered from push",
			slog.String("project_id", project.ID.String()),
			slog.String("build_id", build.ID.String()),
			slog.String("branch", branch),
			slog.String("commit_sha", event.After))
		result.BuildsTriggered++
	}
	return result, nil
}

// HandleInstallation keeps the installation registry in sync with the source
// provider. Deleting an installation detaches it from any projects that
// referenced it; the projects themselves survive with cloning disabled until
// re-linked.
func (s *webhookService) HandleInstallation(ctx context.Context, event *githubapp.InstallationEvent) (*models.InstallationResult, error) {
	result := &models.InstallationResult{Action: event.Action}

	switch event.Action {
	case "created":
		inst := &models.SourceInstallation{
			ExternalInstallationID: event.Installation.ID,
			AccountLogin:           event.Installation.Account.Login,
			AccountID:              event.Installation.Account.ID,
			AccountType:            event.Installation.Account.Type,
		}
		if err := s.installationRepo.Upsert(ctx, inst); err != nil {
			return nil, fmt.Errorf("failed to record installation: %w", err)
		}
		s.logger.Info("installation recorded",
			slog.Int64("installation_id", inst.ExternalInstallationID),
			slog.String("account", inst.AccountLogin))
		result.Processed = true

	case "deleted":
		if err := s.installationRepo.DeleteByExternalID(ctx, event.Installation.ID); err != nil {
			return nil, fmt.Errorf("failed to remove installation: %w", err)
		}
		detached, err := s.projectRepo.ClearInstallation(ctx, event.Installation.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to detach projects: %w", err)
		}
		s.logger.Info("installation removed",
			slog.Int64("installation_id", event.Installation.ID),
			slog.Int64("projects_detached", detached))
		result.Processed = true

	default:
		s.logger.Info("installation action ignored", slog.String("action", event.Action))
	}
	return result, nil
}

// Compile-time check to ensure webhookService implements WebhookService.
var _ WebhookService = (*webhookService)(nil)
