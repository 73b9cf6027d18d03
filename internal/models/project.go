package models

import (
	"time"

	"github.com/google/uuid"
)

// Framework identifies the application framework of a project. It decides
// how the build worker compiles the source and how the deploy engine starts
// the app.
type Framework string

const (
	FrameworkNextJS  Framework = "nextjs"
	FrameworkVite    Framework = "vite"
	FrameworkExpress Framework = "express"
	FrameworkHono    Framework = "hono"
	FrameworkElysia  Framework = "elysia"
)

// Valid returns true if the framework is supported.
func (f Framework) Valid() bool {
	switch f {
	case FrameworkNextJS, FrameworkVite, FrameworkExpress, FrameworkHono, FrameworkElysia:
		return true
	default:
		return false
	}
}

// IsFrontend returns true for frameworks whose build output is served as
// static files or a framework-managed server.
func (f Framework) IsFrontend() bool {
	return f == FrameworkNextJS || f == FrameworkVite
}

// String returns the string representation.
func (f Framework) String() string {
	return string(f)
}

// Project is a deployable application bound to a Git repository. Each
// project owns a stable host port; the port is internal and never leaves
// the private API surface.
type Project struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	RepoURL        string    `json:"repo_url" db:"repo_url"`
	RepoID         *int64    `json:"repo_id,omitempty" db:"repo_id"`
	RepoFullName   *string   `json:"repo_full_name,omitempty" db:"repo_full_name"`
	DefaultBranch  string    `json:"default_branch" db:"default_branch"`
	RootDirectory  string    `json:"root_directory" db:"root_directory"`
	BuildCommand   string    `json:"build_command" db:"build_command"`
	Framework      Framework `json:"framework" db:"framework"`
	Domain         *string   `json:"domain,omitempty" db:"domain"`
	Port           int       `json:"-" db:"port"`
	InstallationID *int64    `json:"installation_id,omitempty" db:"installation_id"`
	AutoDeploy     bool      `json:"auto_deploy" db:"auto_deploy"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Subdomain returns the leftmost label of the project's domain, or empty
// when no domain is assigned.
func (p *Project) Subdomain() string {
	if p.Domain == nil {
		return ""
	}
	d := *p.Domain
	for i := 0; i < len(d); i++ {
		if d[i] == '.' {
			return d[:i]
		}
	}
	return d
}

// CreateProjectRequest is the payload for POST /projects.
type CreateProjectRequest struct {
	Name                 string            `json:"name" validate:"required,min=1,max=100"`
	GithubURL            string            `json:"github_url" validate:"required,url"`
	BuildCommand         string            `json:"build_command" validate:"required"`
	AppType              string            `json:"app_type" validate:"required"`
	RootDirectory        string            `json:"root_directory"`
	Domain               string            `json:"domain"`
	EnvVars              map[string]string `json:"env_vars"`
	GithubRepoID         *int64            `json:"github_repo_id"`
	GithubRepoFullName   string            `json:"github_repo_full_name"`
	GithubBranch         string            `json:"github_branch"`
	GithubInstallationID *int64            `json:"github_installation_id"`
	AutoDeploy           *bool             `json:"auto_deploy"`
}

// UpdateProjectRequest is the payload for PUT /projects/{id}. All fields are
// optional; nil means "leave unchanged".
type UpdateProjectRequest struct {
	Name          *string `json:"name"`
	BuildCommand  *string `json:"build_command"`
	AppType       *string `json:"app_type"`
	RootDirectory *string `json:"root_directory"`
	Domain        *string `json:"domain"`
	DefaultBranch *string `json:"github_branch"`
	AutoDeploy    *bool   `json:"auto_deploy"`
}
