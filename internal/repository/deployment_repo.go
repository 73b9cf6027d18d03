package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thakurdotdev/deploy/internal/models"
)

// DeploymentRepository defines the interface for deployment data operations.
type DeploymentRepository interface {
	GetActiveByProject(ctx context.Context, projectID uuid.UUID) (*models.Deployment, error)
	GetByBuild(ctx context.Context, buildID uuid.UUID) (*models.Deployment, error)
	Activate(ctx context.Context, projectID, buildID uuid.UUID) (*models.Deployment, error)
	Deactivate(ctx context.Context, projectID uuid.UUID) error
}

type deploymentRepo struct {
	pool *pgxpool.Pool
}

// NewDeploymentRepository creates a new deployment repository.
func NewDeploymentRepository(pool *pgxpool.Pool) DeploymentRepository {
	return &deploymentRepo{pool: pool}
}

// GetActiveByProject retrieves the deployment currently serving a project,
// or nil when none is active.
func (r *deploymentRepo) GetActiveByProject(ctx context.Context, projectID uuid.UUID) (*models.Deployment, error) {
	query := `
		SELECT id, project_id, build_id, status, activated_at
		FROM deployments
		WHERE project_id = $1 AND status = 'active'`

	var d models.Deployment
	err := r.pool.QueryRow(ctx, query, projectID).Scan(
		&d.ID,
		&d.ProjectID,
		&d.BuildID,
		&d.Status,
		&d.ActivatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetByBuild retrieves the deployment row for a build, if one exists.
func (r *deploymentRepo) GetByBuild(ctx context.Context, buildID uuid.UUID) (*models.Deployment, error) {
	query := `
		SELECT id, project_id, build_id, status, activated_at
		FROM deployments
		WHERE build_id = $1
		ORDER BY activated_at DESC
		LIMIT 1`

	var d models.Deployment
	err := r.pool.QueryRow(ctx, query, buildID).Scan(
		&d.ID,
		&d.ProjectID,
		&d.BuildID,
		&d.Status,
		&d.ActivatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Activate promotes a build to the project's active deployment. The prior
// active row is deactivated and the new row inserted in one transaction, so
// no committed state ever shows zero or two active deployments. A partial
// unique index on (project_id) WHERE status = 'active' backs the invariant
// under concurrent activations.
func (r *deploymentRepo) Activate(ctx context.Context, projectID, buildID uuid.UUID) (*models.Deployment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	deactivate := `
		UPDATE deployments SET status = 'inactive'
		WHERE project_id = $1 AND status = 'active'`
	if _, err := tx.Exec(ctx, deactivate, projectID); err != nil {
		return nil, fmt.Errorf("failed to deactivate prior deployment: %w", err)
	}

	insert := `
		INSERT INTO deployments (id, project_id, build_id, status)
		VALUES ($1, $2, $3, 'active')
		RETURNING activated_at`

	d := models.Deployment{
		ID:        uuid.New(),
		ProjectID: projectID,
		BuildID:   buildID,
		Status:    models.DeploymentStatusActive,
	}
	if err := tx.QueryRow(ctx, insert, d.ID, d.ProjectID, d.BuildID).Scan(&d.ActivatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert deployment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit deployment: %w", err)
	}
	return &d, nil
}

// Deactivate marks a project's active deployment inactive, used when the
// app is stopped. Returns pgx.ErrNoRows when nothing was active.
func (r *deploymentRepo) Deactivate(ctx context.Context, projectID uuid.UUID) error {
	query := `
		UPDATE deployments SET status = 'inactive'
		WHERE project_id = $1 AND status = 'active'`

	result, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Compile-time check to ensure deploymentRepo implements DeploymentRepository.
var _ DeploymentRepository = (*deploymentRepo)(nil)
