package service

import (
	"context"
	"testing"

	"github.com/thakurdotdev/deploy/internal/githubapp"
	"github.com/thakurdotdev/deploy/internal/models"
)

func pushEvent(repoID int64, branch, sha, message string) *githubapp.PushEvent {
	event := &githubapp.PushEvent{
		Ref:   "refs/heads/" + branch,
		After: sha,
	}
	event.Repository.ID = repoID
	if message != "" {
		event.HeadCommit = &struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		}{ID: sha, Message: message}
	}
	return event
}

func installationEvent(action string, id int64, login string) *githubapp.InstallationEvent {
	event := &githubapp.InstallationEvent{Action: action}
	event.Installation.ID = id
	event.Installation.Account.Login = login
	event.Installation.Account.ID = 500
	event.Installation.Account.Type = "User"
	return event
}

func TestWebhookService_HandlePush(t *testing.T) {
	ctx := context.Background()

	t.Run("triggers a build for a matching project", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)

		result, err := ts.webhookSvc.HandlePush(ctx, pushEvent(42, "main", "c1", "add feature"))
		if err != nil {
			t.Fatalf("HandlePush() error = %v", err)
		}

		if !result.Processed {
			t.Error("Processed = false, want true")
		}
		if result.BuildsTriggered != 1 {
			t.Errorf("BuildsTriggered = %d, want 1", result.BuildsTriggered)
		}
		if len(ts.queue.jobs) != 1 {
			t.Fatalf("queued jobs = %d, want 1", len(ts.queue.jobs))
		}

		build, _ := ts.buildRepo.GetByProjectAndCommit(ctx, project.ID, "c1")
		if build == nil {
			t.Fatal("build not created")
		}
		if build.CommitMessage == nil || *build.CommitMessage != "add feature" {
			t.Errorf("CommitMessage = %v, want add feature", build.CommitMessage)
		}
	})

	t.Run("is idempotent per commit in any status", func(t *testing.T) {
		ts := newTestServices()
		project := ts.seedProject(nil)
		sha := "c1"
		failed := ts.seedBuild(project.ID, models.BuildStatusFailed)
		failed.CommitSHA = &sha

		result, err := ts.webhookSvc.HandlePush(ctx, pushEvent(42, "main", "c1", "retry"))
		if err != nil {
			t.Fatalf("HandlePush() error = %v", err)
		}

		if result.BuildsTriggered != 0 {
			t.Errorf("BuildsTriggered = %d, want 0", result.BuildsTriggered)
		}
		if result.BuildsSkipped != 1 {
			t.Errorf("BuildsSkipped = %d, want 1", result.BuildsSkipped)
		}
		if len(ts.queue.jobs) != 0 {
			t.Errorf("queued jobs = %d, want 0", len(ts.queue.jobs))
		}
	})

	t.Run("skips projects with auto-deploy off", func(t *testing.T) {
		ts := newTestServices()
		ts.seedProject(func(p *models.Project) { p.AutoDeploy = false })

		result, err := ts.webhookSvc.HandlePush(ctx, pushEvent(42, "main", "c1", ""))
		if err != nil {
			t.Fatalf("HandlePush() error = %v", err)
		}
		if result.BuildsSkipped != 1 || result.BuildsTriggered != 0 {
			t.Errorf("triggered/skipped = %d/%d, want 0/1", result.BuildsTriggered, result.BuildsSkipped)
		}
	})

	t.Run("ignores non-branch refs", func(t *testing.T) {
		ts := newTestServices()
		ts.seedProject(nil)

		event := pushEvent(42, "main", "c1", "")
		event.Ref = "refs/tags/v1.0.0"
		result, err := ts.webhookSvc.HandlePush(ctx, event)
		if err != nil {
			t.Fatalf("HandlePush() error = %v", err)
		}
		if result.Processed {
			t.Error("Processed = true, want false for tag push")
		}
	})

	t.Run("reports no matching projects", func(t *testing.T) {
		ts := newTestServices()
		ts.seedProject(func(p *models.Project) { p.DefaultBranch = "develop" })

		result, err := ts.webhookSvc.HandlePush(ctx, pushEvent(42, "main", "c1", ""))
		if err != nil {
			t.Fatalf("HandlePush() error = %v", err)
		}
		if result.Processed {
			t.Error("Processed = true, want false")
		}
		if result.Reason == "" {
			t.Error("Reason empty, want explanation")
		}
	})

	t.Run("fans out to every matching project", func(t *testing.T) {
		ts := newTestServices()
		ts.seedProject(nil)
		ts.seedProject(func(p *models.Project) { p.Name = "second"; p.Port = 8002 })

		result, err := ts.webhookSvc.HandlePush(ctx, pushEvent(42, "main", "c1", ""))
		if err != nil {
			t.Fatalf("HandlePush() error = %v", err)
		}
		if result.BuildsTriggered != 2 {
			t.Errorf("BuildsTriggered = %d, want 2", result.BuildsTriggered)
		}
	})
}

func TestWebhookService_HandleInstallation(t *testing.T) {
	ctx := context.Background()

	t.Run("records created installation", func(t *testing.T) {
		ts := newTestServices()

		result, err := ts.webhookSvc.HandleInstallation(ctx, installationEvent("created", 77, "acme"))
		if err != nil {
			t.Fatalf("HandleInstallation() error = %v", err)
		}
		if !result.Processed {
			t.Error("Processed = false, want true")
		}

		stored, _ := ts.installationRepo.GetByExternalID(ctx, 77)
		if stored == nil {
			t.Fatal("installation not recorded")
		}
		if stored.AccountLogin != "acme" {
			t.Errorf("AccountLogin = %q, want acme", stored.AccountLogin)
		}
	})

	t.Run("deleted installation detaches projects", func(t *testing.T) {
		ts := newTestServices()
		instID := int64(77)
		ts.seedProject(func(p *models.Project) { p.InstallationID = &instID })
		if err := ts.installationRepo.Upsert(ctx, &models.SourceInstallation{
			ExternalInstallationID: instID,
			AccountLogin:           "acme",
		}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}

		result, err := ts.webhookSvc.HandleInstallation(ctx, installationEvent("deleted", instID, "acme"))
		if err != nil {
			t.Fatalf("HandleInstallation() error = %v", err)
		}
		if !result.Processed {
			t.Error("Processed = false, want true")
		}

		if stored, _ := ts.installationRepo.GetByExternalID(ctx, instID); stored != nil {
			t.Error("installation still present")
		}
		projects, _ := ts.projectRepo.List(ctx)
		for _, p := range projects {
			if p.InstallationID != nil {
				t.Error("project still references deleted installation")
			}
		}
	})

	t.Run("ignores other actions", func(t *testing.T) {
		ts := newTestServices()

		result, err := ts.webhookSvc.HandleInstallation(ctx, installationEvent("suspend", 77, "acme"))
		if err != nil {
			t.Fatalf("HandleInstallation() error = %v", err)
		}
		if result.Processed {
			t.Error("Processed = true, want false for suspend")
		}
		if stored, _ := ts.installationRepo.GetByExternalID(ctx, 77); stored != nil {
			t.Error("suspend action should not record installations")
		}
	})
}
