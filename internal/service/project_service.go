package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thakurdotdev/deploy/internal/buildcmd"
	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/repository"
)

const (
	// Ports below this are reserved for the platform's own services.
	minProjectPort = 8001

	// Upper bound on consecutive port probes during allocation.
	maxPortProbes = 100
)

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reservedSubdomains can never be claimed by a project.
var reservedSubdomains = map[string]struct{}{
	"www": {}, "api": {}, "admin": {}, "dashboard": {}, "deploy": {},
	"git": {}, "db": {}, "mail": {}, "staging": {}, "dev": {},
}

// ProjectService defines the interface for project management operations.
type ProjectService interface {
	Create(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	List(ctx context.Context) ([]*models.Project, error)
	Update(ctx context.Context, id uuid.UUID, req models.UpdateProjectRequest) (*models.Project, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stop(ctx context.Context, id uuid.UUID) error
	DomainAvailable(ctx context.Context, subdomain string) (bool, error)
}

type projectService struct {
	projectRepo    repository.ProjectRepository
	buildRepo      repository.BuildRepository
	deploymentRepo repository.DeploymentRepository
	envSvc         EnvService
	engine         deployer.Engine
	baseDomain     string
	production     bool
	logger         *slog.Logger
}

// NewProjectService creates a new project service.
func NewProjectService(
	projectRepo repository.ProjectRepository,
	buildRepo repository.BuildRepository,
	deploymentRepo repository.DeploymentRepository,
	envSvc EnvService,
	engine deployer.Engine,
	baseDomain string,
	production bool,
	logger *slog.Logger,
) ProjectService {
	return &projectService{
		projectRepo:    projectRepo,
		buildRepo:      buildRepo,
		deploymentRepo: deploymentRepo,
		envSvc:         envSvc,
		engine:         engine,
		baseDomain:     baseDomain,
		production:     production,
		logger:         logger.With(slog.String("component", "project_service")),
	}
}

// Create validates the request, allocates a port, and persists the project.
// Initial environment variables, when supplied, are stored in the same call.
func (s *projectService) Create(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	framework := models.Framework(req.AppType)
	if !framework.Valid() {
		return nil, apierrors.NewValidationError("app_type", fmt.Sprintf("unsupported framework %q", req.AppType))
	}

	if err := buildcmd.Validate(req.BuildCommand); err != nil {
		return nil, apierrors.NewValidationError("build_command", err.Error())
	}
	command := buildcmd.Rewrite(req.BuildCommand)

	rootDir := req.RootDirectory
	if rootDir == "" {
		rootDir = "./"
	}
	branch := req.GithubBranch
	if branch == "" {
		branch = "main"
	}

	domain, err := s.resolveDomain(ctx, req.Domain, req.Name)
	if err != nil {
		return nil, err
	}

	port, err := s.allocatePort(ctx)
	if err != nil {
		return nil, err
	}

	project := &models.Project{
		Name:           req.Name,
		RepoURL:        req.GithubURL,
		RepoID:         req.GithubRepoID,
		DefaultBranch:  branch,
		RootDirectory:  rootDir,
		BuildCommand:   command,
		Framework:      framework,
		Domain:         domain,
		Port:           port,
		InstallationID: req.GithubInstallationID,
		AutoDeploy:     req.AutoDeploy == nil || *req.AutoDeploy,
	}
	if req.GithubRepoFullName != "" {
		project.RepoFullName = &req.GithubRepoFullName
	}

	if err := s.projectRepo.Create(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	if len(req.EnvVars) > 0 {
		if err := s.envSvc.Set(ctx, project.ID, req.EnvVars); err != nil {
			return nil, err
		}
	}

	s.logger.Info("project created",
		slog.String("project_id", project.ID.String()),
		slog.String("name", project.Name),
		slog.Int("port", project.Port))
	return project, nil
}

// Get retrieves a project by ID.
func (s *projectService) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, err := s.projectRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return nil, apierrors.NewNotFoundError("Project")
	}
	return project, nil
}

// List retrieves all projects.
func (s *projectService) List(ctx context.Context) ([]*models.Project, error) {
	return s.projectRepo.List(ctx)
}

// Update applies a partial update. Build commands are re-validated against
// the allow-list before persisting.
func (s *projectService) Update(ctx context.Context, id uuid.UUID, req models.UpdateProjectRequest) (*models.Project, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil && *req.Name != "" {
		project.Name = *req.Name
	}
	if req.BuildCommand != nil {
		if err := buildcmd.Validate(*req.BuildCommand); err != nil {
			return nil, apierrors.NewValidationError("build_command", err.Error())
		}
		project.BuildCommand = buildcmd.Rewrite(*req.BuildCommand)
	}
	if req.AppType != nil {
		framework := models.Framework(*req.AppType)
		if !framework.Valid() {
			return nil, apierrors.NewValidationError("app_type", fmt.Sprintf("unsupported framework %q", *req.AppType))
		}
		project.Framework = framework
	}
	if req.RootDirectory != nil && *req.RootDirectory != "" {
		project.RootDirectory = *req.RootDirectory
	}
	if req.DefaultBranch != nil && *req.DefaultBranch != "" {
		project.DefaultBranch = *req.DefaultBranch
	}
	if req.AutoDeploy != nil {
		project.AutoDeploy = *req.AutoDeploy
	}
	if req.Domain != nil {
		if *req.Domain == "" {
			project.Domain = nil
		} else if project.Domain == nil || *project.Domain != *req.Domain {
			if err := s.validateDomain(ctx, *req.Domain); err != nil {
				return nil, err
			}
			project.Domain = req.Domain
		}
	}

	if err := s.projectRepo.Update(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return project, nil
}

// Delete removes a project and everything it owns. Engine-side cleanup
// (process, app directory, artifacts, proxy rule) runs first and is
// best-effort; the database cascade is one statement and always runs.
func (s *projectService) Delete(ctx context.Context, id uuid.UUID) error {
	project, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	buildIDs, err := s.buildRepo.ListIDsByProject(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list builds: %w", err)
	}
	ids := make([]string, len(buildIDs))
	for i, bid := range buildIDs {
		ids[i] = bid.String()
	}

	cleanup := deployer.DeleteProjectRequest{
		Port:      project.Port,
		Subdomain: project.Subdomain(),
		BuildIDs:  ids,
	}
	if err := s.engine.DeleteProject(ctx, id.String(), cleanup); err != nil {
		s.logger.Warn("engine cleanup failed, removing records anyway",
			slog.String("project_id", id.String()),
			slog.String("error", err.Error()))
	}

	if err := s.projectRepo.Delete(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apierrors.NewNotFoundError("Project")
		}
		return fmt.Errorf("failed to delete project: %w", err)
	}

	s.logger.Info("project deleted", slog.String("project_id", id.String()))
	return nil
}

// Stop halts whatever serves the project's port and deactivates the active
// deployment record.
func (s *projectService) Stop(ctx context.Context, id uuid.UUID) error {
	project, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.engine.Stop(ctx, deployer.StopRequest{
		Port:      project.Port,
		ProjectID: id.String(),
	}); err != nil {
		return apierrors.NewDeploymentError(fmt.Sprintf("failed to stop app: %v", err))
	}

	if err := s.deploymentRepo.Deactivate(ctx, id); err != nil && !isNoRows(err) {
		return fmt.Errorf("failed to deactivate deployment: %w", err)
	}

	s.logger.Info("project stopped", slog.String("project_id", id.String()))
	return nil
}

// DomainAvailable reports whether a subdomain can still be claimed. Malformed
// and reserved names count as unavailable rather than errors so the dashboard
// can poll this as the user types.
func (s *projectService) DomainAvailable(ctx context.Context, subdomain string) (bool, error) {
	sub := strings.ToLower(strings.TrimSpace(subdomain))
	if !subdomainRe.MatchString(sub) {
		return false, nil
	}
	if _, reserved := reservedSubdomains[sub]; reserved {
		return false, nil
	}

	domain := sub
	if s.baseDomain != "" {
		domain = sub + "." + s.baseDomain
	}
	existing, err := s.projectRepo.GetByDomain(ctx, domain)
	if err != nil {
		return false, fmt.Errorf("failed to check domain: %w", err)
	}
	return existing == nil, nil
}

// --- Helper methods ---

// resolveDomain validates a requested domain, or generates one from the
// project name in production when none was requested.
func (s *projectService) resolveDomain(ctx context.Context, requested, name string) (*string, error) {
	if requested != "" {
		if err := s.validateDomain(ctx, requested); err != nil {
			return nil, err
		}
		return &requested, nil
	}

	if !s.production || s.baseDomain == "" {
		return nil, nil
	}

	sub := slugify(name)
	if sub == "" {
		sub = "app"
	}
	domain := sub + "." + s.baseDomain
	if err := s.validateDomain(ctx, domain); err != nil {
		// Reserved or taken; disambiguate with a short random suffix.
		sub = sub + "-" + uuid.NewString()[:6]
		domain = sub + "." + s.baseDomain
		if err := s.validateDomain(ctx, domain); err != nil {
			return nil, err
		}
	}
	return &domain, nil
}

func (s *projectService) validateDomain(ctx context.Context, domain string) error {
	sub, _, found := strings.Cut(domain, ".")
	if !found {
		return apierrors.NewValidationError("domain", "domain must be a fully qualified name")
	}
	if s.baseDomain != "" && domain != sub+"."+s.baseDomain {
		return apierrors.NewValidationError("domain", fmt.Sprintf("domain must end in .%s", s.baseDomain))
	}
	if !subdomainRe.MatchString(sub) {
		return apierrors.NewValidationError("domain", "subdomain may contain lowercase letters, digits, and inner hyphens")
	}
	if _, reserved := reservedSubdomains[sub]; reserved {
		return apierrors.NewValidationError("domain", fmt.Sprintf("subdomain %q is reserved", sub))
	}

	existing, err := s.projectRepo.GetByDomain(ctx, domain)
	if err != nil {
		return fmt.Errorf("failed to check domain: %w", err)
	}
	if existing != nil {
		return apierrors.ErrConflict.WithMessage(fmt.Sprintf("domain %s is already in use", domain))
	}
	return nil
}

// allocatePort finds the smallest port that is above every allocated port,
// at least 8001, and reported free by the deploy engine.
func (s *projectService) allocatePort(ctx context.Context) (int, error) {
	maxPort, err := s.projectRepo.MaxPort(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read allocated ports: %w", err)
	}

	candidate := maxPort + 1
	if candidate < minProjectPort {
		candidate = minProjectPort
	}

	for i := 0; i < maxPortProbes; i++ {
		available, err := s.engine.CheckPort(ctx, candidate)
		if err != nil {
			return 0, apierrors.NewUpstreamError("deploy-engine", fmt.Sprintf("port check failed: %v", err))
		}
		if available {
			return candidate, nil
		}
		candidate++
	}
	return 0, apierrors.ErrInternal.WithMessage("no free port found for project")
}

func slugify(name string) string {
	slug := strings.ToLower(name)
	slug = nonSlugRe.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Compile-time check to ensure projectService implements ProjectService.
var _ ProjectService = (*projectService)(nil)
