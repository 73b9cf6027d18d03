package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thakurdotdev/deploy/internal/models"
)

// BuildRepository defines the interface for build data operations.
type BuildRepository interface {
	Create(ctx context.Context, build *models.Build) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Build, error)
	GetByProjectAndCommit(ctx context.Context, projectID uuid.UUID, commitSHA string) (*models.Build, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.BuildWithDeployment, error)
	ListIDsByProject(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.BuildStatus) error
	SetArtifact(ctx context.Context, id uuid.UUID, artifactID string) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

type buildRepo struct {
	pool *pgxpool.Pool
}

// NewBuildRepository creates a new build repository.
func NewBuildRepository(pool *pgxpool.Pool) BuildRepository {
	return &buildRepo{pool: pool}
}

// Create inserts a new build in pending state.
func (r *buildRepo) Create(ctx context.Context, build *models.Build) error {
	query := `
		INSERT INTO builds (id, project_id, status, commit_sha, commit_message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	if build.ID == uuid.Nil {
		build.ID = uuid.New()
	}
	if build.Status == "" {
		build.Status = models.BuildStatusPending
	}

	return r.pool.QueryRow(ctx, query,
		build.ID,
		build.ProjectID,
		build.Status,
		build.CommitSHA,
		build.CommitMessage,
	).Scan(&build.CreatedAt)
}

// GetByID retrieves a build by its UUID.
func (r *buildRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	query := `
		SELECT id, project_id, status, commit_sha, commit_message, artifact_id, created_at, completed_at
		FROM builds WHERE id = $1`

	var build models.Build
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&build.ID,
		&build.ProjectID,
		&build.Status,
		&build.CommitSHA,
		&build.CommitMessage,
		&build.ArtifactID,
		&build.CreatedAt,
		&build.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &build, nil
}

// GetByProjectAndCommit retrieves the newest build for a (project, commit)
// pair. Webhook ingestion uses it to suppress duplicate deliveries.
func (r *buildRepo) GetByProjectAndCommit(ctx context.Context, projectID uuid.UUID, commitSHA string) (*models.Build, error) {
	query := `
		SELECT id, project_id, status, commit_sha, commit_message, artifact_id, created_at, completed_at
		FROM builds
		WHERE project_id = $1 AND commit_sha = $2
		ORDER BY created_at DESC
		LIMIT 1`

	var build models.Build
	err := r.pool.QueryRow(ctx, query, projectID, commitSHA).Scan(
		&build.ID,
		&build.ProjectID,
		&build.Status,
		&build.CommitSHA,
		&build.CommitMessage,
		&build.ArtifactID,
		&build.CreatedAt,
		&build.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &build, nil
}

// ListByProject retrieves the most recent builds for a project together with
// their deployment rows, newest first.
func (r *buildRepo) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.BuildWithDeployment, error) {
	query := `
		SELECT b.id, b.project_id, b.status, b.commit_sha, b.commit_message, b.artifact_id, b.created_at, b.completed_at,
		       d.id, d.status
		FROM builds b
		LEFT JOIN deployments d ON d.build_id = b.id
		WHERE b.project_id = $1
		ORDER BY b.created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []*models.BuildWithDeployment
	for rows.Next() {
		var b models.BuildWithDeployment
		if err := rows.Scan(
			&b.ID,
			&b.ProjectID,
			&b.Status,
			&b.CommitSHA,
			&b.CommitMessage,
			&b.ArtifactID,
			&b.CreatedAt,
			&b.CompletedAt,
			&b.DeploymentID,
			&b.DeploymentStatus,
		); err != nil {
			return nil, err
		}
		builds = append(builds, &b)
	}
	return builds, rows.Err()
}

// ListIDsByProject retrieves every build ID belonging to a project. Project
// deletion uses it to clean up artifacts on the engine host.
func (r *buildRepo) ListIDsByProject(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT id FROM builds WHERE project_id = $1`

	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStatus advances a build's status. Terminal states are sticky: once a
// build reaches success or failed, further updates return pgx.ErrNoRows.
// Moving into a terminal state also stamps completed_at.
func (r *buildRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status models.BuildStatus) error {
	query := `
		UPDATE builds
		SET status = $2,
		    completed_at = CASE WHEN $2 IN ('success', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1 AND status NOT IN ('success', 'failed')`

	result, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetArtifact records the artifact produced by a successful build.
func (r *buildRepo) SetArtifact(ctx context.Context, id uuid.UUID, artifactID string) error {
	query := `UPDATE builds SET artifact_id = $2 WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, artifactID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkFailed is UpdateStatus(failed) that tolerates already-terminal builds,
// used by failure paths that may race the worker's own status report.
func (r *buildRepo) MarkFailed(ctx context.Context, id uuid.UUID) error {
	err := r.UpdateStatus(ctx, id, models.BuildStatusFailed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

// Compile-time check to ensure buildRepo implements BuildRepository.
var _ BuildRepository = (*buildRepo)(nil)
