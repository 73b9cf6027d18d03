// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thakurdotdev/deploy/internal/models"
)

// ProjectRepository defines the interface for project data operations.
type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetByDomain(ctx context.Context, domain string) (*models.Project, error)
	List(ctx context.Context) ([]*models.Project, error)
	ListByRepoAndBranch(ctx context.Context, repoID int64, branch string) ([]*models.Project, error)
	MaxPort(ctx context.Context) (int, error)
	Update(ctx context.Context, project *models.Project) error
	ClearInstallation(ctx context.Context, externalInstallationID int64) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type projectRepo struct {
	pool *pgxpool.Pool
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository(pool *pgxpool.Pool) ProjectRepository {
	return &projectRepo{pool: pool}
}

const projectColumns = `id, name, repo_url, repo_id, repo_full_name, default_branch, root_directory,
	       build_command, framework, domain, port, installation_id, auto_deploy, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.RepoURL,
		&p.RepoID,
		&p.RepoFullName,
		&p.DefaultBranch,
		&p.RootDirectory,
		&p.BuildCommand,
		&p.Framework,
		&p.Domain,
		&p.Port,
		&p.InstallationID,
		&p.AutoDeploy,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new project into the database.
func (r *projectRepo) Create(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (id, name, repo_url, repo_id, repo_full_name, default_branch, root_directory, build_command, framework, domain, port, installation_id, auto_deploy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}

	return r.pool.QueryRow(ctx, query,
		project.ID,
		project.Name,
		project.RepoURL,
		project.RepoID,
		project.RepoFullName,
		project.DefaultBranch,
		project.RootDirectory,
		project.BuildCommand,
		project.Framework,
		project.Domain,
		project.Port,
		project.InstallationID,
		project.AutoDeploy,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
}

// GetByID retrieves a project by its UUID.
func (r *projectRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects WHERE id = $1`

	project, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// GetByDomain retrieves a project by its assigned domain.
func (r *projectRepo) GetByDomain(ctx context.Context, domain string) (*models.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects WHERE domain = $1`

	project, err := scanProject(r.pool.QueryRow(ctx, query, domain))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// List retrieves all projects, newest first.
func (r *projectRepo) List(ctx context.Context) ([]*models.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// ListByRepoAndBranch retrieves projects bound to a repository whose default
// branch matches, used by webhook push fan-out.
func (r *projectRepo) ListByRepoAndBranch(ctx context.Context, repoID int64, branch string) ([]*models.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects
		WHERE repo_id = $1 AND default_branch = $2
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, repoID, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// MaxPort returns the highest port assigned to any project, or 0 when no
// projects exist.
func (r *projectRepo) MaxPort(ctx context.Context) (int, error) {
	query := `SELECT COALESCE(MAX(port), 0) FROM projects`
	var port int
	if err := r.pool.QueryRow(ctx, query).Scan(&port); err != nil {
		return 0, err
	}
	return port, nil
}

// Update persists the mutable fields of a project.
func (r *projectRepo) Update(ctx context.Context, project *models.Project) error {
	query := `
		UPDATE projects
		SET name = $2, build_command = $3, framework = $4, root_directory = $5, domain = $6, default_branch = $7, auto_deploy = $8, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		project.ID,
		project.Name,
		project.BuildCommand,
		project.Framework,
		project.RootDirectory,
		project.Domain,
		project.DefaultBranch,
		project.AutoDeploy,
	).Scan(&project.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgx.ErrNoRows
	}
	return err
}

// ClearInstallation nulls the installation reference on every project bound
// to an uninstalled GitHub App installation, returning how many projects
// were detached.
func (r *projectRepo) ClearInstallation(ctx context.Context, externalInstallationID int64) (int64, error) {
	query := `UPDATE projects SET installation_id = NULL, updated_at = now() WHERE installation_id = $1`
	result, err := r.pool.Exec(ctx, query, externalInstallationID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Delete permanently removes a project. Builds, deployments, logs, and
// environment variables cascade through foreign keys in the same statement.
func (r *projectRepo) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM projects WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Compile-time check to ensure projectRepo implements ProjectRepository.
var _ ProjectRepository = (*projectRepo)(nil)
