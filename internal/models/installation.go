package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceInstallation records a GitHub App installation that grants the
// platform access to an account's repositories. Projects reference the
// external (GitHub) installation id for private-repo clones.
type SourceInstallation struct {
	ID                     uuid.UUID `json:"id" db:"id"`
	ExternalInstallationID int64     `json:"installation_id" db:"external_installation_id"`
	AccountLogin           string    `json:"account_login" db:"account_login"`
	AccountID              int64     `json:"account_id" db:"account_id"`
	AccountType            string    `json:"account_type" db:"account_type"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time `json:"updated_at" db:"updated_at"`
}

// Repository is a repo visible to an installation, as returned by the
// source provider's installation API.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}
