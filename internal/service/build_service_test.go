package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
)

func TestBuildService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending build and enqueues job", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		if err := ts.envSvc.Set(ctx, project.ID, map[string]string{"API_KEY": "secret"}); err != nil {
			t.Fatalf("Set() error = %v", err)
		}

		build, err := ts.buildSvc.Create(ctx, project.ID, models.CreateBuildRequest{
			CommitSHA:     "abc123",
			CommitMessage: "fix build",
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if build.Status != models.BuildStatusPending {
			t.Errorf("Status = %q, want pending", build.Status)
		}
		if build.CommitSHA == nil || *build.CommitSHA != "abc123" {
			t.Errorf("CommitSHA = %v, want abc123", build.CommitSHA)
		}

		if len(ts.queue.jobs) != 1 {
			t.Fatalf("queued jobs = %d, want 1", len(ts.queue.jobs))
		}
		job := ts.queue.jobs[0]
		if job.BuildID != build.ID {
			t.Errorf("job BuildID = %v, want %v", job.BuildID, build.ID)
		}
		if job.RepoURL != project.RepoURL {
			t.Errorf("job RepoURL = %q, want %q", job.RepoURL, project.RepoURL)
		}
		if job.EnvVars["API_KEY"] != "secret" {
			t.Errorf("job env snapshot = %v, want decrypted API_KEY", job.EnvVars)
		}
	})

	t.Run("returns 404 for unknown project", func(t *testing.T) {
		ts := newTestServices()

		_, err := ts.buildSvc.Create(ctx, uuid.New(), models.CreateBuildRequest{})
		if err == nil {
			t.Fatal("Create() expected error, got nil")
		}
		if apierrors.AsAPIError(err).StatusCode != 404 {
			t.Errorf("StatusCode = %d, want 404", apierrors.AsAPIError(err).StatusCode)
		}
	})

	t.Run("truncates long commit messages", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)

		build, err := ts.buildSvc.Create(ctx, project.ID, models.CreateBuildRequest{
			CommitSHA:     "abc123",
			CommitMessage: strings.Repeat("x", 300),
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if build.CommitMessage == nil || len(*build.CommitMessage) != 255 {
			t.Errorf("CommitMessage length = %v, want 255", build.CommitMessage)
		}
	})

	t.Run("falls back to direct worker trigger when queue fails", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		ts.queue.err = errors.New("redis down")

		build, err := ts.buildSvc.Create(ctx, project.ID, models.CreateBuildRequest{CommitSHA: "abc123"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if build.Status != models.BuildStatusPending {
			t.Errorf("Status = %q, want pending", build.Status)
		}
		if len(ts.worker.triggered) != 1 {
			t.Fatalf("worker triggers = %d, want 1", len(ts.worker.triggered))
		}
		if ts.worker.triggered[0].BuildID != build.ID {
			t.Errorf("triggered BuildID = %v, want %v", ts.worker.triggered[0].BuildID, build.ID)
		}
	})

	t.Run("marks build failed when queue and fallback both fail", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		ts.queue.err = errors.New("redis down")
		ts.worker.err = errors.New("worker down")

		_, err := ts.buildSvc.Create(ctx, project.ID, models.CreateBuildRequest{CommitSHA: "abc123"})
		if err == nil {
			t.Fatal("Create() expected error, got nil")
		}
		if apierrors.AsAPIError(err).StatusCode != 502 {
			t.Errorf("StatusCode = %d, want 502", apierrors.AsAPIError(err).StatusCode)
		}

		builds, _ := ts.buildRepo.ListIDsByProject(ctx, project.ID)
		if len(builds) != 1 {
			t.Fatalf("builds = %d, want 1", len(builds))
		}
		stored, _ := ts.buildRepo.GetByID(ctx, builds[0])
		if stored.Status != models.BuildStatusFailed {
			t.Errorf("Status = %q, want failed", stored.Status)
		}

		entries := ts.logRepo.forBuild(builds[0])
		if len(entries) == 0 {
			t.Fatal("expected an explanatory log entry")
		}
		if entries[0].Level != models.LogLevelError {
			t.Errorf("log level = %q, want error", entries[0].Level)
		}
	})

	t.Run("marks build failed when queue fails and no worker is configured", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		ts.queue.err = errors.New("redis down")

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		svc := NewBuildService(ts.buildRepo, ts.projectRepo, ts.envSvc, ts.deploySvc, ts.logSvc, ts.queue, nil, logger)

		_, err := svc.Create(ctx, project.ID, models.CreateBuildRequest{CommitSHA: "abc123"})
		if err == nil {
			t.Fatal("Create() expected error, got nil")
		}
		if len(ts.worker.triggered) != 0 {
			t.Errorf("worker triggers = %d, want 0", len(ts.worker.triggered))
		}
	})
}

func TestBuildService_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("gets build", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		seeded := ts.seedBuild(project.ID, models.BuildStatusBuilding)

		build, err := ts.buildSvc.Get(ctx, seeded.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if build.ID != seeded.ID {
			t.Errorf("ID = %v, want %v", build.ID, seeded.ID)
		}
	})

	t.Run("returns 404 for unknown build", func(t *testing.T) {
		ts := newTestServices()

		_, err := ts.buildSvc.Get(ctx, uuid.New())
		if err == nil {
			t.Fatal("Get() expected error, got nil")
		}
		if apierrors.AsAPIError(err).StatusCode != 404 {
			t.Errorf("StatusCode = %d, want 404", apierrors.AsAPIError(err).StatusCode)
		}
	})
}

func TestBuildService_ListByProject(t *testing.T) {
	ctx := context.Background()

	t.Run("lists newest first with limit", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		ts.seedBuild(project.ID, models.BuildStatusFailed)
		second := ts.seedBuild(project.ID, models.BuildStatusSuccess)

		builds, err := ts.buildSvc.ListByProject(ctx, project.ID, 1)
		if err != nil {
			t.Fatalf("ListByProject() error = %v", err)
		}
		if len(builds) != 1 {
			t.Fatalf("builds = %d, want 1", len(builds))
		}
		if builds[0].ID != second.ID {
			t.Errorf("first build = %v, want newest %v", builds[0].ID, second.ID)
		}
	})

	t.Run("returns 404 for unknown project", func(t *testing.T) {
		ts := newTestServices()

		_, err := ts.buildSvc.ListByProject(ctx, uuid.New(), 20)
		if err == nil {
			t.Fatal("ListByProject() expected error, got nil")
		}
	})
}

func TestBuildService_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("advances pending to building", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		seeded := ts.seedBuild(project.ID, models.BuildStatusPending)

		build, err := ts.buildSvc.UpdateStatus(ctx, seeded.ID, "building")
		if err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		if build.Status != models.BuildStatusBuilding {
			t.Errorf("Status = %q, want building", build.Status)
		}
		if build.CompletedAt != nil {
			t.Error("CompletedAt set for non-terminal status")
		}
	})

	t.Run("success stamps completion and activates in background", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		seeded := ts.seedBuild(project.ID, models.BuildStatusBuilding)

		build, err := ts.buildSvc.UpdateStatus(ctx, seeded.ID, "success")
		if err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		if build.Status != models.BuildStatusSuccess {
			t.Errorf("Status = %q, want success", build.Status)
		}
		if build.CompletedAt == nil {
			t.Error("CompletedAt not set")
		}

		waitFor(t, func() bool { return ts.engine.activationCount() == 1 }, "activation never reached the engine")
		waitFor(t, func() bool {
			active, _ := ts.deploymentRepo.GetActiveByProject(ctx, project.ID)
			return active != nil && active.BuildID == seeded.ID
		}, "deployment never became active")
	})

	t.Run("activation failure is logged and does not reverse success", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		seeded := ts.seedBuild(project.ID, models.BuildStatusBuilding)
		ts.engine.activateErr = errors.New("health check failed")

		if _, err := ts.buildSvc.UpdateStatus(ctx, seeded.ID, "success"); err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}

		waitFor(t, func() bool {
			for _, e := range ts.logRepo.forBuild(seeded.ID) {
				if e.Level == models.LogLevelError {
					return true
				}
			}
			return false
		}, "activation failure never logged")

		stored, _ := ts.buildRepo.GetByID(ctx, seeded.ID)
		if stored.Status != models.BuildStatusSuccess {
			t.Errorf("Status = %q, want success to stick", stored.Status)
		}
		if active, _ := ts.deploymentRepo.GetActiveByProject(ctx, project.ID); active != nil {
			t.Error("deployment recorded despite failed activation")
		}
	})

	t.Run("terminal status is sticky and idempotent", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		seeded := ts.seedBuild(project.ID, models.BuildStatusFailed)

		build, err := ts.buildSvc.UpdateStatus(ctx, seeded.ID, "success")
		if err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		if build.Status != models.BuildStatusFailed {
			t.Errorf("Status = %q, want failed to stick", build.Status)
		}

		time.Sleep(50 * time.Millisecond)
		if got := ts.engine.activationCount(); got != 0 {
			t.Errorf("activations = %d, want 0 for sticky terminal state", got)
		}
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		seeded := ts.seedBuild(project.ID, models.BuildStatusPending)

		_, err := ts.buildSvc.UpdateStatus(ctx, seeded.ID, "done")
		if err == nil {
			t.Fatal("UpdateStatus() expected error, got nil")
		}
		if apierrors.AsAPIError(err).StatusCode != 400 {
			t.Errorf("StatusCode = %d, want 400", apierrors.AsAPIError(err).StatusCode)
		}
	})

	t.Run("returns 404 for unknown build", func(t *testing.T) {
		ts := newTestServices()

		_, err := ts.buildSvc.UpdateStatus(ctx, uuid.New(), "building")
		if err == nil {
			t.Fatal("UpdateStatus() expected error, got nil")
		}
		if apierrors.AsAPIError(err).StatusCode != 404 {
			t.Errorf("StatusCode = %d, want 404", apierrors.AsAPIError(err).StatusCode)
		}
	})
}
