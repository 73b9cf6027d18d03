package models

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus marks whether a deployment currently serves traffic.
type DeploymentStatus string

const (
	DeploymentStatusActive   DeploymentStatus = "active"
	DeploymentStatusInactive DeploymentStatus = "inactive"
)

// Valid returns true if the status is a known deployment status.
func (s DeploymentStatus) Valid() bool {
	return s == DeploymentStatusActive || s == DeploymentStatusInactive
}

// String returns the string representation.
func (s DeploymentStatus) String() string {
	return string(s)
}

// Deployment binds a successful build to a project's port. At most one
// deployment per project is active at any committed state; promotion runs
// in a single transaction that deactivates the prior row.
type Deployment struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	ProjectID   uuid.UUID        `json:"project_id" db:"project_id"`
	BuildID     uuid.UUID        `json:"build_id" db:"build_id"`
	Status      DeploymentStatus `json:"status" db:"status"`
	ActivatedAt time.Time        `json:"activated_at" db:"activated_at"`
}
