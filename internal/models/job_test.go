package models

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestDecodeBuildJob(t *testing.T) {
	installationID := int64(42)
	job := &BuildJobData{
		BuildID:        uuid.New(),
		ProjectID:      uuid.New(),
		RepoURL:        "https://github.com/acme/shop",
		BuildCommand:   "bun run build",
		RootDirectory:  "apps/web",
		Framework:      FrameworkVite,
		EnvVars:        map[string]string{"NODE_OPTIONS": "--max-old-space-size=512"},
		InstallationID: &installationID,
	}

	data, err := job.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := DecodeBuildJob(data)
	if err != nil {
		t.Fatalf("DecodeBuildJob() error = %v", err)
	}
	if got.BuildID != job.BuildID || got.ProjectID != job.ProjectID {
		t.Errorf("ids = (%s, %s), want (%s, %s)", got.BuildID, got.ProjectID, job.BuildID, job.ProjectID)
	}
	if got.Framework != FrameworkVite || got.BuildCommand != job.BuildCommand {
		t.Errorf("payload = %+v, want %+v", got, job)
	}
	if got.InstallationID == nil || *got.InstallationID != installationID {
		t.Errorf("InstallationID = %v, want %d", got.InstallationID, installationID)
	}
	if got.EnvVars["NODE_OPTIONS"] != "--max-old-space-size=512" {
		t.Errorf("EnvVars = %v", got.EnvVars)
	}
}

func TestDecodeBuildJobOmitsAbsentInstallation(t *testing.T) {
	job := &BuildJobData{BuildID: uuid.New(), ProjectID: uuid.New(), Framework: FrameworkExpress}

	data, err := job.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Contains(string(data), "installation_id") {
		t.Errorf("encoded payload carries installation_id: %s", data)
	}

	got, err := DecodeBuildJob(data)
	if err != nil {
		t.Fatalf("DecodeBuildJob() error = %v", err)
	}
	if got.InstallationID != nil {
		t.Errorf("InstallationID = %v, want nil", got.InstallationID)
	}
}

func TestDecodeBuildJobRejectsUnknownFields(t *testing.T) {
	payload := `{
		"build_id": "d2b3a8e0-9f1c-4e6a-8b2d-1c3e5f7a9b0d",
		"project_id": "a1b2c3d4-e5f6-4a5b-8c9d-0e1f2a3b4c5d",
		"framework": "vite",
		"priority": 9
	}`

	_, err := DecodeBuildJob([]byte(payload))
	if err == nil {
		t.Fatal("DecodeBuildJob() accepted a payload with an unknown field")
	}
	if !strings.Contains(err.Error(), "unknown field") {
		t.Errorf("error = %v, want unknown field rejection", err)
	}
}

func TestBuildStatusTerminal(t *testing.T) {
	tests := []struct {
		status   BuildStatus
		terminal bool
	}{
		{BuildStatusPending, false},
		{BuildStatusBuilding, false},
		{BuildStatusSuccess, true},
		{BuildStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
