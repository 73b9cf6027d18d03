package models

import (
	"time"

	"github.com/google/uuid"
)

// BuildStatus represents the lifecycle state of a build.
// Transitions form a DAG: pending -> building -> (success | failed).
type BuildStatus string

const (
	BuildStatusPending  BuildStatus = "pending"
	BuildStatusBuilding BuildStatus = "building"
	BuildStatusSuccess  BuildStatus = "success"
	BuildStatusFailed   BuildStatus = "failed"
)

// Valid returns true if the status is a known build status.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusPending, BuildStatusBuilding, BuildStatusSuccess, BuildStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for states a build never leaves.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusSuccess || s == BuildStatusFailed
}

// String returns the string representation.
func (s BuildStatus) String() string {
	return string(s)
}

// Build records one attempt to produce a deployable artifact from a commit.
type Build struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	ProjectID     uuid.UUID   `json:"project_id" db:"project_id"`
	Status        BuildStatus `json:"status" db:"status"`
	CommitSHA     *string     `json:"commit_sha,omitempty" db:"commit_sha"`
	CommitMessage *string     `json:"commit_message,omitempty" db:"commit_message"`
	ArtifactID    *string     `json:"artifact_id,omitempty" db:"artifact_id"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// BuildWithDeployment is a build joined with its deployment row, used by the
// per-project build listing.
type BuildWithDeployment struct {
	Build
	DeploymentID     *uuid.UUID `json:"deployment_id,omitempty" db:"deployment_id"`
	DeploymentStatus *string    `json:"deployment_status,omitempty" db:"deployment_status"`
}

// CreateBuildRequest is the payload for POST /projects/{id}/builds.
type CreateBuildRequest struct {
	CommitSHA     string `json:"commit_sha"`
	CommitMessage string `json:"commit_message"`
}

// UpdateBuildStatusRequest is the payload for the internal PUT /builds/{id}.
type UpdateBuildStatusRequest struct {
	Status string `json:"status" validate:"required"`
}
