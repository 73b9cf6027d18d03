package models

import (
	"time"

	"github.com/google/uuid"
)

// EnvironmentVariable is a per-project key/value pair. Values are stored
// authenticated-encrypted and never serialized in ciphertext form.
type EnvironmentVariable struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ProjectID       uuid.UUID `json:"project_id" db:"project_id"`
	Key             string    `json:"key" db:"key"`
	ValueCiphertext string    `json:"-" db:"value_ciphertext"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// EnvVarResponse is the decrypted form returned by GET /projects/{id}/env.
type EnvVarResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetEnvVarsRequest is the payload for POST /projects/{id}/env. Existing
// keys are overwritten.
type SetEnvVarsRequest struct {
	EnvVars map[string]string `json:"env_vars" validate:"required,min=1"`
}
