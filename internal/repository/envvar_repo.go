package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thakurdotdev/deploy/internal/models"
)

// EnvVarRepository defines the interface for environment variable data
// operations. Values arrive and leave this layer as ciphertext.
type EnvVarRepository interface {
	UpsertMany(ctx context.Context, projectID uuid.UUID, ciphertexts map[string]string) error
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.EnvironmentVariable, error)
	Delete(ctx context.Context, projectID uuid.UUID, key string) error
}

type envVarRepo struct {
	pool *pgxpool.Pool
}

// NewEnvVarRepository creates a new environment variable repository.
func NewEnvVarRepository(pool *pgxpool.Pool) EnvVarRepository {
	return &envVarRepo{pool: pool}
}

// UpsertMany writes a set of variables for a project in one transaction.
// Existing keys are overwritten; keys absent from the map are untouched.
func (r *envVarRepo) UpsertMany(ctx context.Context, projectID uuid.UUID, ciphertexts map[string]string) error {
	if len(ciphertexts) == 0 {
		return nil
	}

	query := `
		INSERT INTO environment_variables (id, project_id, key, value_ciphertext)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, key)
		DO UPDATE SET value_ciphertext = EXCLUDED.value_ciphertext, updated_at = now()`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for key, ciphertext := range ciphertexts {
		if _, err := tx.Exec(ctx, query, uuid.New(), projectID, key, ciphertext); err != nil {
			return fmt.Errorf("failed to upsert variable %s: %w", key, err)
		}
	}

	return tx.Commit(ctx)
}

// ListByProject retrieves all variables for a project ordered by key.
func (r *envVarRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.EnvironmentVariable, error) {
	query := `
		SELECT id, project_id, key, value_ciphertext, created_at, updated_at
		FROM environment_variables
		WHERE project_id = $1
		ORDER BY key ASC`

	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vars []*models.EnvironmentVariable
	for rows.Next() {
		var v models.EnvironmentVariable
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.Key, &v.ValueCiphertext, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, &v)
	}
	return vars, rows.Err()
}

// Delete removes a single variable by key.
func (r *envVarRepo) Delete(ctx context.Context, projectID uuid.UUID, key string) error {
	query := `DELETE FROM environment_variables WHERE project_id = $1 AND key = $2`
	result, err := r.pool.Exec(ctx, query, projectID, key)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Compile-time check to ensure envVarRepo implements EnvVarRepository.
var _ EnvVarRepository = (*envVarRepo)(nil)
