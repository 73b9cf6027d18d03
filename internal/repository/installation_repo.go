package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thakurdotdev/deploy/internal/models"
)

// InstallationRepository defines the interface for GitHub App installation
// records.
type InstallationRepository interface {
	Upsert(ctx context.Context, inst *models.SourceInstallation) error
	GetByExternalID(ctx context.Context, externalID int64) (*models.SourceInstallation, error)
	List(ctx context.Context) ([]*models.SourceInstallation, error)
	DeleteByExternalID(ctx context.Context, externalID int64) error
}

type installationRepo struct {
	pool *pgxpool.Pool
}

// NewInstallationRepository creates a new installation repository.
func NewInstallationRepository(pool *pgxpool.Pool) InstallationRepository {
	return &installationRepo{pool: pool}
}

// Upsert records an installation, updating account details when the
// external id is already known. Installation webhooks may be redelivered,
// so this path is idempotent.
func (r *installationRepo) Upsert(ctx context.Context, inst *models.SourceInstallation) error {
	query := `
		INSERT INTO source_installations (id, external_installation_id, account_login, account_id, account_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_installation_id)
		DO UPDATE SET account_login = EXCLUDED.account_login, account_id = EXCLUDED.account_id, account_type = EXCLUDED.account_type, updated_at = now()
		RETURNING id, created_at, updated_at`

	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}

	return r.pool.QueryRow(ctx, query,
		inst.ID,
		inst.ExternalInstallationID,
		inst.AccountLogin,
		inst.AccountID,
		inst.AccountType,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
}

// GetByExternalID retrieves an installation by the provider's id.
func (r *installationRepo) GetByExternalID(ctx context.Context, externalID int64) (*models.SourceInstallation, error) {
	query := `
		SELECT id, external_installation_id, account_login, account_id, account_type, created_at, updated_at
		FROM source_installations
		WHERE external_installation_id = $1`

	var inst models.SourceInstallation
	err := r.pool.QueryRow(ctx, query, externalID).Scan(
		&inst.ID,
		&inst.ExternalInstallationID,
		&inst.AccountLogin,
		&inst.AccountID,
		&inst.AccountType,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// List retrieves all installations, newest first.
func (r *installationRepo) List(ctx context.Context) ([]*models.SourceInstallation, error) {
	query := `
		SELECT id, external_installation_id, account_login, account_id, account_type, created_at, updated_at
		FROM source_installations
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var insts []*models.SourceInstallation
	for rows.Next() {
		var inst models.SourceInstallation
		if err := rows.Scan(
			&inst.ID,
			&inst.ExternalInstallationID,
			&inst.AccountLogin,
			&inst.AccountID,
			&inst.AccountType,
			&inst.CreatedAt,
			&inst.UpdatedAt,
		); err != nil {
			return nil, err
		}
		insts = append(insts, &inst)
	}
	return insts, rows.Err()
}

// DeleteByExternalID removes an installation record after the provider
// reports it uninstalled.
func (r *installationRepo) DeleteByExternalID(ctx context.Context, externalID int64) error {
	query := `DELETE FROM source_installations WHERE external_installation_id = $1`
	result, err := r.pool.Exec(ctx, query, externalID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Compile-time check to ensure installationRepo implements InstallationRepository.
var _ InstallationRepository = (*installationRepo)(nil)
