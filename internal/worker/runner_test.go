package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// controlPlane records the status transitions and log posts a build makes
// against a fake control plane.
type controlPlane struct {
	mu         sync.Mutex
	statuses   []string
	posts      []models.PostLogsRequest
	failStatus map[string]int
}

func newControlPlane(t *testing.T) (*controlPlane, *ControlClient) {
	t.Helper()
	cp := &controlPlane{}
	srv := httptest.NewServer(http.HandlerFunc(cp.handle))
	t.Cleanup(srv.Close)
	return cp, NewControlClient(srv.URL, discardLogger())
}

func (cp *controlPlane) handle(w http.ResponseWriter, r *http.Request) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		var req models.UpdateBuildStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if code, ok := cp.failStatus[req.Status]; ok {
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(map[string]string{"error": "Bad Request", "message": "transition refused"})
			return
		}
		cp.statuses = append(cp.statuses, req.Status)
		json.NewEncoder(w).Encode(map[string]string{"status": req.Status})

	case http.MethodPost:
		var req models.PostLogsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cp.posts = append(cp.posts, req)
		json.NewEncoder(w).Encode(map[string]int{"appended": 1})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (cp *controlPlane) statusList() []string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]string(nil), cp.statuses...)
}

func (cp *controlPlane) postList() []models.PostLogsRequest {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]models.PostLogsRequest(nil), cp.posts...)
}

// allLogs joins every posted batch regardless of level.
func (cp *controlPlane) allLogs() string {
	var sb strings.Builder
	for _, p := range cp.postList() {
		sb.WriteString(p.Logs)
		sb.WriteString("\n")
	}
	return sb.String()
}

// refuseStatus makes the fake reply with code to any transition into the
// given status.
func (cp *controlPlane) refuseStatus(status string, code int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.failStatus == nil {
		cp.failStatus = map[string]int{}
	}
	cp.failStatus[status] = code
}

// logsAt joins the batches posted under one level.
func (cp *controlPlane) logsAt(level string) string {
	var sb strings.Builder
	for _, p := range cp.postList() {
		if p.Level == level {
			sb.WriteString(p.Logs)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// fakeGit materializes a repository instead of cloning one.
type fakeGit struct {
	mu      sync.Mutex
	called  bool
	gotURL  string
	cloneFn func(ctx context.Context, cloneURL, dest string, onLine func(string)) error
}

func (g *fakeGit) Clone(ctx context.Context, cloneURL, dest string, onLine func(string)) error {
	g.mu.Lock()
	g.called = true
	g.gotURL = cloneURL
	fn := g.cloneFn
	g.mu.Unlock()

	if fn == nil {
		return os.MkdirAll(dest, 0o755)
	}
	return fn(ctx, cloneURL, dest, onLine)
}

func (g *fakeGit) wasCalled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.called
}

func (g *fakeGit) cloneURL() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gotURL
}

// fakeEngine captures artifact uploads. The rest of the engine surface is
// never reached from the worker.
type fakeEngine struct {
	mu         sync.Mutex
	uploadErr  error
	uploadedID string
	uploaded   []byte
}

var _ deployer.Engine = (*fakeEngine)(nil)

func (e *fakeEngine) UploadArtifact(ctx context.Context, buildID string, artifact io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.uploadErr != nil {
		return e.uploadErr
	}
	data, err := io.ReadAll(artifact)
	if err != nil {
		return err
	}
	e.uploadedID = buildID
	e.uploaded = data
	return nil
}

func (e *fakeEngine) CheckPort(ctx context.Context, port int) (bool, error) { return true, nil }
func (e *fakeEngine) Activate(ctx context.Context, req deployer.ActivateRequest) error {
	return nil
}
func (e *fakeEngine) Stop(ctx context.Context, req deployer.StopRequest) error { return nil }
func (e *fakeEngine) DeleteProject(ctx context.Context, projectID string, req deployer.DeleteProjectRequest) error {
	return nil
}
func (e *fakeEngine) Healthy(ctx context.Context) error { return nil }

type fakeTokens struct {
	token string
	err   error
	gotID int64
}

func (f *fakeTokens) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	f.gotID = installationID
	return f.token, f.err
}

// writeTree creates files under root, making parent directories as needed.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// cloneTree returns a cloneFn writing the given files into the destination.
func cloneTree(t *testing.T, files map[string]string) func(context.Context, string, string, func(string)) error {
	return func(ctx context.Context, cloneURL, dest string, onLine func(string)) error {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		writeTree(t, dest, files)
		return nil
	}
}

func newTestRunner(t *testing.T, git GitClient, engine deployer.Engine, tokens TokenSource) (*Runner, *controlPlane) {
	t.Helper()
	cp, control := newControlPlane(t)
	r := NewRunner(t.TempDir(), control, engine, tokens, discardLogger())
	r.git = git
	return r, cp
}

// backendJob has no compile step, so the runner ships source without
// shelling out to a package manager.
func backendJob() *models.BuildJobData {
	return &models.BuildJobData{
		BuildID:      uuid.New(),
		ProjectID:    uuid.New(),
		RepoURL:      "https://github.com/acme/api.git",
		BuildCommand: "bun run --watch src/index.ts",
		Framework:    models.FrameworkExpress,
	}
}

func backendRepo() map[string]string {
	return map[string]string{
		"package.json": `{"name":"api","scripts":{"start":"bun src/index.ts"}}`,
		"bun.lockb":    "lock",
		"src/index.ts": `export default { port: 3000 }`,
	}
}

func TestRunnerBackendSuccess(t *testing.T) {
	git := &fakeGit{cloneFn: cloneTree(t, backendRepo())}
	engine := &fakeEngine{}
	runner, cp := newTestRunner(t, git, engine, nil)

	job := backendJob()
	require.NoError(t, runner.Run(context.Background(), job))

	assert.Equal(t, []string{"building", "success"}, cp.statusList())
	assert.Equal(t, job.BuildID.String(), engine.uploadedID)
	assert.Equal(t, "https://github.com/acme/api.git", git.cloneURL())

	headers := archiveHeaders(t, bytes.NewReader(engine.uploaded))
	assert.Contains(t, headers, "package.json")
	assert.Contains(t, headers, "src/index.ts")

	info := cp.logsAt("info")
	assert.Contains(t, info, "Build started for https://github.com/acme/api.git")
	assert.Contains(t, info, "Cloning https://github.com/acme/api.git")
	assert.Contains(t, info, "No compile step detected")
	assert.Contains(t, info, "Packaging artifact")
	assert.Contains(t, info, "Uploading artifact to deploy engine")
	assert.Contains(t, cp.logsAt("success"), "Build completed successfully")

	// Workspace and artifact are gone once the run finishes.
	entries, err := os.ReadDir(runner.workspaceDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunnerCloneFailureMarksBuildFailed(t *testing.T) {
	git := &fakeGit{cloneFn: func(ctx context.Context, cloneURL, dest string, onLine func(string)) error {
		onLine("fatal: could not read Username")
		return errors.New("git clone failed with exit code 128")
	}}
	runner, cp := newTestRunner(t, git, &fakeEngine{}, nil)

	err := runner.Run(context.Background(), backendJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 128")

	assert.Equal(t, []string{"building", "failed"}, cp.statusList())
	assert.Contains(t, cp.logsAt("error"), "git clone failed with exit code 128")
	assert.Contains(t, cp.logsAt("info"), "fatal: could not read Username")
}

func TestRunnerRootDirectoryNotFound(t *testing.T) {
	git := &fakeGit{cloneFn: cloneTree(t, map[string]string{"README.md": "docs"})}
	runner, cp := newTestRunner(t, git, &fakeEngine{}, nil)

	job := backendJob()
	job.RootDirectory = "apps/web"

	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `root directory "apps/web" not found`)
	assert.Equal(t, []string{"building", "failed"}, cp.statusList())
}

func TestRunnerRootDirectoryEscapeRejected(t *testing.T) {
	git := &fakeGit{cloneFn: cloneTree(t, backendRepo())}
	runner, cp := newTestRunner(t, git, &fakeEngine{}, nil)

	job := backendJob()
	job.RootDirectory = "../elsewhere"

	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the repository")
	assert.Equal(t, []string{"building", "failed"}, cp.statusList())
}

func TestRunnerUploadFailureMarksBuildFailed(t *testing.T) {
	git := &fakeGit{cloneFn: cloneTree(t, backendRepo())}
	engine := &fakeEngine{uploadErr: &deployer.EngineError{
		StatusCode: http.StatusInsufficientStorage,
		Detail:     "disk full",
	}}
	runner, cp := newTestRunner(t, git, engine, nil)

	err := runner.Run(context.Background(), backendJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, []string{"building", "failed"}, cp.statusList())
	assert.Contains(t, cp.logsAt("error"), "disk full")
}

func TestRunnerPrivateRepoWithoutAppCredentials(t *testing.T) {
	git := &fakeGit{}
	runner, cp := newTestRunner(t, git, &fakeEngine{}, nil)

	job := backendJob()
	installationID := int64(77)
	job.InstallationID = &installationID

	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app credentials are not configured")

	assert.False(t, git.wasCalled(), "clone must not be attempted without a token")
	assert.Equal(t, []string{"building", "failed"}, cp.statusList())
}

func TestRunnerScrubsInstallationToken(t *testing.T) {
	tokens := &fakeTokens{token: "ghs_s3cr3t"}
	git := &fakeGit{cloneFn: func(ctx context.Context, cloneURL, dest string, onLine func(string)) error {
		// git echoes the remote in its progress output.
		onLine("Cloning into from " + cloneURL)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		writeTree(t, dest, backendRepo())
		return nil
	}}
	runner, cp := newTestRunner(t, git, &fakeEngine{}, tokens)

	job := backendJob()
	installationID := int64(77)
	job.InstallationID = &installationID

	require.NoError(t, runner.Run(context.Background(), job))

	assert.Equal(t, int64(77), tokens.gotID)
	assert.Contains(t, git.cloneURL(), "x-access-token:ghs_s3cr3t@github.com")

	logs := cp.allLogs()
	assert.NotContains(t, logs, "ghs_s3cr3t", "token must never reach the control plane")
	assert.Contains(t, logs, "***")
}

func TestRunnerStatusUpdateRefusedAbortsRun(t *testing.T) {
	git := &fakeGit{}
	runner, cp := newTestRunner(t, git, &fakeEngine{}, nil)
	cp.refuseStatus("building", http.StatusServiceUnavailable)

	err := runner.Run(context.Background(), backendJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marking build as building")

	assert.False(t, git.wasCalled(), "run must not start when the control plane refuses the transition")
	assert.Empty(t, cp.statusList())
}
