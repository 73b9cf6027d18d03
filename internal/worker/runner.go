package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/buildcmd"
	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/framework"
	"github.com/thakurdotdev/deploy/internal/githubapp"
	"github.com/thakurdotdev/deploy/internal/models"
)

// TokenSource mints installation access tokens for cloning private
// repositories. The GitHub App client implements it; nil means the app is
// not configured and only public repositories build.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// Runner executes build jobs one at a time. The mutex covers both intake
// paths (queue consumer and HTTP fallback) so a single worker process never
// runs two builds concurrently.
type Runner struct {
	workspaceDir string
	control      *ControlClient
	engine       deployer.Engine
	tokens       TokenSource
	git          GitClient
	commands     *CommandRunner
	streamer     *Streamer
	logger       *slog.Logger

	mu sync.Mutex
}

// NewRunner creates a build runner. tokens may be nil.
func NewRunner(workspaceDir string, control *ControlClient, engine deployer.Engine, tokens TokenSource, logger *slog.Logger) *Runner {
	return &Runner{
		workspaceDir: workspaceDir,
		control:      control,
		engine:       engine,
		tokens:       tokens,
		git:          NewGitClient(),
		commands:     NewCommandRunner(),
		streamer:     NewStreamer(control, logger),
		logger:       logger.With(slog.String("component", "runner")),
	}
}

// Run executes one build job end to end: mark building, clone, build,
// package, upload, mark success. On any failure the error is streamed into
// the build's log, the build is marked failed, and the error is returned so
// the queue records the outcome. The workspace is removed either way.
func (r *Runner) Run(ctx context.Context, job *models.BuildJobData) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.logger.With(
		slog.String("build_id", job.BuildID.String()),
		slog.String("project_id", job.ProjectID.String()),
	)
	start := time.Now()

	if err := r.control.UpdateStatus(ctx, job.BuildID, models.BuildStatusBuilding); err != nil {
		return fmt.Errorf("marking build as building: %w", err)
	}
	r.info(job.BuildID, fmt.Sprintf("Build started for %s", job.RepoURL))

	workspace := filepath.Join(r.workspaceDir, job.BuildID.String())
	artifactPath := filepath.Join(r.workspaceDir, job.BuildID.String()+".tar.gz")
	defer func() {
		os.RemoveAll(workspace)
		os.Remove(artifactPath)
	}()

	err := r.execute(ctx, job, workspace, artifactPath)
	if err != nil {
		r.streamer.Write(job.BuildID, models.LogLevelError, err.Error())
		if uerr := r.control.UpdateStatus(ctx, job.BuildID, models.BuildStatusFailed); uerr != nil {
			log.Error("failed to mark build as failed", slog.String("error", uerr.Error()))
		}
		r.streamer.Flush(ctx, job.BuildID)
		log.Error("build failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return err
	}

	if err := r.control.UpdateStatus(ctx, job.BuildID, models.BuildStatusSuccess); err != nil {
		r.streamer.Flush(ctx, job.BuildID)
		return fmt.Errorf("marking build as success: %w", err)
	}
	r.streamer.Flush(ctx, job.BuildID)
	log.Info("build succeeded", slog.Duration("duration", time.Since(start)))
	return nil
}

// execute performs the fallible middle of a job. It streams progress but
// leaves status transitions and final flushes to Run.
func (r *Runner) execute(ctx context.Context, job *models.BuildJobData, workspace, artifactPath string) error {
	// Installation token, when the project was linked through the app.
	token := ""
	if job.InstallationID != nil {
		if r.tokens == nil {
			return errors.New("repository requires an installation token but app credentials are not configured")
		}
		t, err := r.tokens.InstallationToken(ctx, *job.InstallationID)
		if err != nil {
			return fmt.Errorf("failed to obtain installation token: %w", err)
		}
		token = t
	}
	onLine := r.lineWriter(job.BuildID, token)

	// Fresh workspace per build id; a retried job must not see leftovers.
	if err := os.RemoveAll(workspace); err != nil {
		return fmt.Errorf("cleaning workspace: %w", err)
	}
	if err := os.MkdirAll(r.workspaceDir, 0o755); err != nil {
		return fmt.Errorf("creating workspace root: %w", err)
	}

	cloneURL := job.RepoURL
	if token != "" {
		authenticated, err := githubapp.AuthenticatedCloneURL(job.RepoURL, token)
		if err != nil {
			return err
		}
		cloneURL = authenticated
	}

	r.info(job.BuildID, fmt.Sprintf("Cloning %s", job.RepoURL))
	if err := r.git.Clone(ctx, cloneURL, workspace, onLine); err != nil {
		return err
	}

	projectDir, err := resolveProjectDir(workspace, job.RootDirectory)
	if err != nil {
		return err
	}

	if framework.IsBackend(job.Framework) {
		if err := r.buildBackend(ctx, job, projectDir, onLine); err != nil {
			return err
		}
	} else {
		if err := r.buildFrontend(ctx, job, projectDir, onLine); err != nil {
			return err
		}
	}

	r.info(job.BuildID, "Packaging artifact")
	size, err := PackageArtifact(job.Framework, projectDir, artifactPath)
	if err != nil {
		return fmt.Errorf("packaging artifact: %w", err)
	}
	r.info(job.BuildID, fmt.Sprintf("Artifact packaged (%.1f MB)", float64(size)/(1<<20)))

	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	r.info(job.BuildID, "Uploading artifact to deploy engine")
	if err := r.engine.UploadArtifact(ctx, job.BuildID.String(), f); err != nil {
		return err
	}

	r.streamer.Write(job.BuildID, models.LogLevelSuccess, "Build completed successfully")
	return nil
}

// buildFrontend installs dependencies and runs the project's build command.
func (r *Runner) buildFrontend(ctx context.Context, job *models.BuildJobData, projectDir string, onLine func(string)) error {
	r.info(job.BuildID, "Installing dependencies")
	if err := r.commands.Run(ctx, projectDir, "bun install", job.EnvVars, onLine); err != nil {
		return fmt.Errorf("dependency install failed: %w", err)
	}

	command := strings.TrimSpace(buildcmd.Rewrite(job.BuildCommand))
	if command == "" {
		return errors.New("project has no build command")
	}
	r.info(job.BuildID, fmt.Sprintf("Running %s", command))
	if err := r.commands.Run(ctx, projectDir, command, job.EnvVars, onLine); err != nil {
		return fmt.Errorf("build command failed: %w", err)
	}
	return nil
}

// buildBackend compiles only when the project both asks for it (a compile
// tool in the build command) and can do it (a build script in
// package.json). Anything else ships source as-is; the engine installs
// runtime deps at activation.
func (r *Runner) buildBackend(ctx context.Context, job *models.BuildJobData, projectDir string, onLine func(string)) error {
	if !buildcmd.HasCompileStep(job.BuildCommand) || !hasBuildScript(projectDir) {
		r.info(job.BuildID, "No compile step detected; shipping source as-is")
		return nil
	}

	r.info(job.BuildID, "Installing dependencies")
	if err := r.commands.Run(ctx, projectDir, "bun install", job.EnvVars, onLine); err != nil {
		return fmt.Errorf("dependency install failed: %w", err)
	}

	command := strings.TrimSpace(buildcmd.Rewrite(job.BuildCommand))
	r.info(job.BuildID, fmt.Sprintf("Running %s", command))
	if err := r.commands.Run(ctx, projectDir, command, job.EnvVars, onLine); err != nil {
		return fmt.Errorf("build command failed: %w", err)
	}
	return nil
}

// --- Helper methods ---

func (r *Runner) info(buildID uuid.UUID, message string) {
	r.streamer.Write(buildID, models.LogLevelInfo, message)
}

// lineWriter streams command output as info lines, masking the installation
// token wherever tooling echoes the authenticated URL.
func (r *Runner) lineWriter(buildID uuid.UUID, token string) func(string) {
	return func(line string) {
		r.streamer.Write(buildID, models.LogLevelInfo, scrubSecret(line, token))
	}
}

// resolveProjectDir joins the job's root directory onto the workspace and
// refuses paths that escape it.
func resolveProjectDir(workspace, root string) (string, error) {
	dir := filepath.Clean(filepath.Join(workspace, root))
	if dir != workspace && !strings.HasPrefix(dir, workspace+string(os.PathSeparator)) {
		return "", fmt.Errorf("root directory %q escapes the repository", root)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("root directory %q not found in repository", root)
	}
	return dir, nil
}

// hasBuildScript reports whether package.json declares scripts.build.
func hasBuildScript(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return false
	}
	return strings.TrimSpace(pkg.Scripts["build"]) != ""
}
