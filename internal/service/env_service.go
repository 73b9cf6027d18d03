// Package service provides business logic implementations.
package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/crypto"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/repository"
)

// EnvService manages per-project environment variables. Values are
// encrypted before they reach the repository and decrypted on the way out;
// nothing above this layer sees ciphertext.
type EnvService interface {
	Set(ctx context.Context, projectID uuid.UUID, vars map[string]string) error
	List(ctx context.Context, projectID uuid.UUID) ([]models.EnvVarResponse, error)
	Delete(ctx context.Context, projectID uuid.UUID, key string) error
	DecryptedMap(ctx context.Context, projectID uuid.UUID) (map[string]string, error)
}

type envService struct {
	envRepo     repository.EnvVarRepository
	projectRepo repository.ProjectRepository
	cipher      *crypto.Cipher
}

// NewEnvService creates a new environment variable service.
func NewEnvService(envRepo repository.EnvVarRepository, projectRepo repository.ProjectRepository, cipher *crypto.Cipher) EnvService {
	return &envService{
		envRepo:     envRepo,
		projectRepo: projectRepo,
		cipher:      cipher,
	}
}

// Set encrypts and stores a set of variables, overwriting existing keys.
func (s *envService) Set(ctx context.Context, projectID uuid.UUID, vars map[string]string) error {
	if err := s.requireProject(ctx, projectID); err != nil {
		return err
	}

	ciphertexts := make(map[string]string, len(vars))
	for key, value := range vars {
		if key == "" {
			return apierrors.NewValidationError("env_vars", "variable names must be non-empty")
		}
		ct, err := s.cipher.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt variable %s: %w", key, err)
		}
		ciphertexts[key] = ct
	}

	if err := s.envRepo.UpsertMany(ctx, projectID, ciphertexts); err != nil {
		return fmt.Errorf("failed to store variables: %w", err)
	}
	return nil
}

// List returns the decrypted variables for a project, sorted by key.
func (s *envService) List(ctx context.Context, projectID uuid.UUID) ([]models.EnvVarResponse, error) {
	if err := s.requireProject(ctx, projectID); err != nil {
		return nil, err
	}

	rows, err := s.envRepo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}

	out := make([]models.EnvVarResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.EnvVarResponse{
			Key:   row.Key,
			Value: s.cipher.Decrypt(row.ValueCiphertext),
		})
	}
	return out, nil
}

// Delete removes one variable by key.
func (s *envService) Delete(ctx context.Context, projectID uuid.UUID, key string) error {
	if err := s.requireProject(ctx, projectID); err != nil {
		return err
	}

	if err := s.envRepo.Delete(ctx, projectID, key); err != nil {
		if isNoRows(err) {
			return apierrors.NewNotFoundError("Environment variable")
		}
		return fmt.Errorf("failed to delete variable: %w", err)
	}
	return nil
}

// DecryptedMap returns the project's variables as a plain map, the form
// consumed by build jobs and activation requests.
func (s *envService) DecryptedMap(ctx context.Context, projectID uuid.UUID) (map[string]string, error) {
	rows, err := s.envRepo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}

	vars := make(map[string]string, len(rows))
	for _, row := range rows {
		vars[row.Key] = s.cipher.Decrypt(row.ValueCiphertext)
	}
	return vars, nil
}

func (s *envService) requireProject(ctx context.Context, projectID uuid.UUID) error {
	project, err := s.projectRepo.GetByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return apierrors.NewNotFoundError("Project")
	}
	return nil
}

// Compile-time check to ensure envService implements EnvService.
var _ EnvService = (*envService)(nil)
