package models

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// BuildJobData is the closed payload handed from the control plane to a
// build worker. The field set is fixed; decoding rejects unknown fields so
// that queue producers and consumers cannot drift apart silently.
type BuildJobData struct {
	BuildID        uuid.UUID         `json:"build_id"`
	ProjectID      uuid.UUID         `json:"project_id"`
	RepoURL        string            `json:"repo_url"`
	BuildCommand   string            `json:"build_command"`
	RootDirectory  string            `json:"root_directory"`
	Framework      Framework         `json:"framework"`
	EnvVars        map[string]string `json:"env_vars"`
	InstallationID *int64            `json:"installation_id,omitempty"`
}

// DecodeBuildJob parses a BuildJobData payload, rejecting unknown fields.
func DecodeBuildJob(data []byte) (*BuildJobData, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var job BuildJobData
	if err := dec.Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Encode serializes the job payload for the queue.
func (j *BuildJobData) Encode() ([]byte, error) {
	return json.Marshal(j)
}
