package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thakurdotdev/deploy/internal/githubapp"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/repository"
)

// SourceClient is the provider surface the GitHub service needs. Nil when
// the app credentials are not configured.
type SourceClient interface {
	ListInstallations(ctx context.Context) ([]githubapp.Installation, error)
	ListRepositories(ctx context.Context, installationID int64) ([]models.Repository, error)
}

// GitHubService defines the interface for source-provider queries made on
// behalf of the dashboard.
type GitHubService interface {
	ListInstallations(ctx context.Context) ([]*models.SourceInstallation, error)
	ListRepositories(ctx context.Context, installationID int64) ([]models.Repository, error)
}

type githubService struct {
	installationRepo repository.InstallationRepository
	client           SourceClient // nil when app credentials are absent
	logger           *slog.Logger
}

// NewGitHubService creates a new GitHub service. client may be nil; listing
// then falls back to locally recorded installations and repository listing
// reports the provider as unavailable.
func NewGitHubService(installationRepo repository.InstallationRepository, client SourceClient, logger *slog.Logger) GitHubService {
	return &githubService{
		installationRepo: installationRepo,
		client:           client,
		logger:           logger.With(slog.String("component", "github_service")),
	}
}

// ListInstallations returns the app's installations. When the provider is
// reachable, the live list is fetched and mirrored into the local registry
// first, so webhook gaps (missed installation events) heal on read.
func (s *githubService) ListInstallations(ctx context.Context) ([]*models.SourceInstallation, error) {
	if s.client != nil {
		live, err := s.client.ListInstallations(ctx)
		if err != nil {
			s.logger.Warn("provider installation list failed, serving local registry",
				slog.String("error", err.Error()))
		} else {
			for _, inst := range live {
				record := &models.SourceInstallation{
					ExternalInstallationID: inst.ID,
					AccountLogin:           inst.Account.Login,
					AccountID:              inst.Account.ID,
					AccountType:            inst.Account.Type,
				}
				if err := s.installationRepo.Upsert(ctx, record); err != nil {
					return nil, fmt.Errorf("failed to record installation: %w", err)
				}
			}
		}
	}
	return s.installationRepo.List(ctx)
}

// ListRepositories returns the repositories an installation can see. This
// always needs the provider; without configured app credentials there is
// nothing to serve.
func (s *githubService) ListRepositories(ctx context.Context, installationID int64) ([]models.Repository, error) {
	if s.client == nil {
		return nil, apierrors.NewUpstreamError("github", "app credentials not configured")
	}
	repos, err := s.client.ListRepositories(ctx, installationID)
	if err != nil {
		return nil, apierrors.NewUpstreamError("github", err.Error())
	}
	return repos, nil
}

// Compile-time check to ensure githubService implements GitHubService.
var _ GitHubService = (*githubService)(nil)
