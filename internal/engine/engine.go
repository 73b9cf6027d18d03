// Package engine implements the deploy engine daemon. It stores build
// artifacts, activates builds on their project ports with zero-downtime
// symlink rotation, serves static builds in-process, and manages process,
// container, and reverse-proxy state on the host.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/config"
	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/framework"
	"github.com/thakurdotdev/deploy/internal/models"
)

// staticPortFile marks a project as served by the in-process static server
// and records the bound port, so a restarted engine can rebind it.
const staticPortFile = "static_port"

// Engine owns the host-side deployment state. All per-project operations are
// serialized by a project lock.
type Engine struct {
	artifactsDir string
	appsDir      string
	production   bool

	logs   LogSink
	nginx  *Nginx
	docker *Docker // nil unless container mode
	static *StaticRegistry
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds an Engine from config, creating the artifact and app
// directories if needed.
func New(cfg config.EngineConfig, production bool, logs LogSink, logger *slog.Logger) (*Engine, error) {
	artifactsDir, err := filepath.Abs(cfg.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifacts dir: %w", err)
	}
	appsDir, err := filepath.Abs(cfg.AppsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve apps dir: %w", err)
	}
	for _, dir := range []string{artifactsDir, appsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	e := &Engine{
		artifactsDir: artifactsDir,
		appsDir:      appsDir,
		production:   production,
		logs:         logs,
		nginx:        NewNginx(cfg.NginxSitesDir, cfg.NginxEnabledDir, cfg.BaseDomain, logger),
		static:       NewStaticRegistry(logger),
		logger:       logger.With(slog.String("component", "engine")),
		locks:        make(map[string]*sync.Mutex),
	}
	if cfg.UseDocker {
		e.docker = NewDocker(logs, logger)
	}
	return e, nil
}

// ReceiveArtifact stores an uploaded artifact as <buildID>.tar.gz and
// returns its path.
func (e *Engine) ReceiveArtifact(buildID string, body io.Reader) (string, error) {
	path := filepath.Join(e.artifactsDir, buildID+".tar.gz")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	e.logger.Info("artifact stored",
		slog.String("build_id", buildID),
		slog.Int64("bytes", written))
	return path, nil
}

// CheckPort reports whether the engine host can bind port. A port held by
// one of our own static listeners counts as taken.
func (e *Engine) CheckPort(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Activate makes buildID the live deployment for its project: extract the
// artifact, rotate the current symlink, then start or reuse whatever serves
// the port. Blocks until the app passes its health check.
func (e *Engine) Activate(ctx context.Context, req deployer.ActivateRequest) error {
	lock := e.projectLock(req.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	paths := e.paths(req.ProjectID, req.BuildID)

	e.logs.Stream(req.BuildID, "Starting deployment activation...", models.LogLevelInfo)

	if _, err := os.Stat(paths.artifact); err != nil {
		e.logs.Stream(req.BuildID, "Artifact not found", models.LogLevelError)
		return fmt.Errorf("artifact for build %s not found", req.BuildID)
	}

	e.logs.Stream(req.BuildID, "Extracting artifact...", models.LogLevelInfo)
	if err := extractArtifact(ctx, paths.artifact, paths.buildDir); err != nil {
		e.logs.Stream(req.BuildID, fmt.Sprintf("Failed to extract artifact: %v", err), models.LogLevelError)
		return err
	}

	e.logs.Stream(req.BuildID, "Updating deployment symlink...", models.LogLevelInfo)
	if err := rotateCurrent(paths.projectDir, paths.buildDir, req.BuildID); err != nil {
		e.logs.Stream(req.BuildID, fmt.Sprintf("Failed to update symlink: %v", err), models.LogLevelError)
		return err
	}

	if e.docker != nil {
		return e.activateDocker(ctx, req, paths)
	}
	return e.activateProcess(ctx, req, paths)
}

// Stop halts whatever serves the deployment: container, static listener, or
// managed process.
func (e *Engine) Stop(ctx context.Context, req deployer.StopRequest) error {
	if req.ProjectID != "" {
		lock := e.projectLock(req.ProjectID)
		lock.Lock()
		defer lock.Unlock()
	}

	if req.BuildID != "" {
		e.logs.Stream(req.BuildID, "Stopping deployment...", models.LogLevelInfo)
	}

	if e.docker != nil {
		e.docker.Stop(req.ProjectID, req.BuildID)
	} else if req.ProjectID != "" {
		projectDir := filepath.Join(e.appsDir, req.ProjectID)
		if e.static.Stop(req.ProjectID) {
			os.Remove(filepath.Join(projectDir, staticPortFile))
		}
		if err := stopProcess(projectDir); err != nil {
			return err
		}
	} else if req.Port > 0 {
		e.static.StopPort(req.Port)
	}

	if req.BuildID != "" {
		e.logs.Stream(req.BuildID, "Deployment stopped", models.LogLevelSuccess)
	}
	return nil
}

// DeleteProject removes every trace of a project from the host: running
// workload, app directory, stored artifacts, and proxy rule.
func (e *Engine) DeleteProject(ctx context.Context, projectID string, req deployer.DeleteProjectRequest) error {
	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	projectDir := filepath.Join(e.appsDir, projectID)
	buildIDs := validIDs(req.BuildIDs)

	if e.docker != nil {
		e.docker.Cleanup(projectID, buildIDs)
	} else {
		e.static.Stop(projectID)
		if err := stopProcess(projectDir); err != nil {
			e.logger.Warn("failed to stop process during delete",
				slog.String("project_id", projectID),
				slog.Any("error", err))
		}
	}

	if e.production && req.Subdomain != "" {
		if err := e.nginx.RemoveConfig(req.Subdomain); err != nil {
			e.logger.Warn("failed to remove nginx config",
				slog.String("subdomain", req.Subdomain),
				slog.Any("error", err))
		}
	}

	for _, buildID := range buildIDs {
		os.Remove(filepath.Join(e.artifactsDir, buildID+".tar.gz"))
	}

	if err := os.RemoveAll(projectDir); err != nil {
		return fmt.Errorf("failed to remove app directory: %w", err)
	}

	e.logger.Info("project removed", slog.String("project_id", projectID))
	return nil
}

// Recover restores runtime state after an engine restart: container log
// followers in docker mode, static listeners otherwise. Managed processes
// and containers themselves survive restarts on their own.
func (e *Engine) Recover() {
	if e.docker != nil {
		if !e.docker.Available() {
			e.logger.Warn("docker daemon unreachable")
		}
		count := e.docker.Recover()
		e.logger.Info("container log streams recovered", slog.Int("containers", count))
		return
	}
	if count := e.recoverStaticSites(); count > 0 {
		e.logger.Info("static sites recovered", slog.Int("sites", count))
	}
}

// InstallDefaultProxy writes the catch-all nginx site that answers unknown
// subdomains.
func (e *Engine) InstallDefaultProxy() error {
	return e.nginx.CreateDefaultConfig()
}

// Close shuts down the engine's own listeners. Deployments keep running.
func (e *Engine) Close() {
	e.static.Close()
}

// --- Helper methods ---

type appPaths struct {
	artifact   string
	projectDir string
	buildDir   string
}

func (e *Engine) paths(projectID, buildID string) appPaths {
	projectDir := filepath.Join(e.appsDir, projectID)
	return appPaths{
		artifact:   filepath.Join(e.artifactsDir, buildID+".tar.gz"),
		projectDir: projectDir,
		buildDir:   filepath.Join(projectDir, "builds", buildID),
	}
}

func (e *Engine) projectLock(projectID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[projectID] = lock
	}
	return lock
}

func (e *Engine) activateDocker(ctx context.Context, req deployer.ActivateRequest, paths appPaths) error {
	e.logs.Stream(req.BuildID, "Using Docker deployment mode...", models.LogLevelInfo)

	if err := e.docker.Deploy(ctx, req, paths.buildDir); err != nil {
		return err
	}

	e.configureProxy(req)
	return nil
}

func (e *Engine) activateProcess(ctx context.Context, req deployer.ActivateRequest, paths appPaths) error {
	fw := models.Framework(req.AppType)

	if root, ok := framework.StaticRoot(fw, paths.buildDir); ok {
		e.logs.Stream(req.BuildID, "Static build detected, using static server...", models.LogLevelInfo)
		if err := e.serveStatic(req, root, paths); err != nil {
			e.logs.Stream(req.BuildID, fmt.Sprintf("Failed to start static server: %v", err), models.LogLevelError)
			return err
		}
	} else {
		e.logs.Stream(req.BuildID, "Stopping existing process...", models.LogLevelInfo)
		if e.static.Stop(req.ProjectID) {
			os.Remove(filepath.Join(paths.projectDir, staticPortFile))
		}
		if err := stopProcess(paths.projectDir); err != nil {
			e.logger.Warn("failed to stop previous process",
				slog.String("project_id", req.ProjectID),
				slog.Any("error", err))
		}
		if err := waitPortFree(req.Port, portFreeTimeout); err != nil {
			e.logs.Stream(req.BuildID, fmt.Sprintf("Port %d not available: %v", req.Port, err), models.LogLevelError)
			return err
		}

		if framework.RequiresInstall(fw) {
			e.logs.Stream(req.BuildID, "Installing dependencies...", models.LogLevelInfo)
			if err := e.installDependencies(ctx, req, paths.buildDir); err != nil {
				e.logs.Stream(req.BuildID, fmt.Sprintf("Failed to install dependencies: %v", err), models.LogLevelError)
				return err
			}
		}

		if err := e.startApplication(req, fw, paths); err != nil {
			return err
		}

		e.logs.Stream(req.BuildID, "Performing health check...", models.LogLevelInfo)
		if err := healthCheck(ctx, req.Port, healthTimeout); err != nil {
			e.logs.Stream(req.BuildID, fmt.Sprintf("Health check failed: %v", err), models.LogLevelError)
			return err
		}
	}

	e.configureProxy(req)

	e.logs.Stream(req.BuildID, "Deployment activated successfully!", models.LogLevelSuccess)
	return nil
}

// serveStatic binds (or reuses) the in-process static server for the
// project. The document root goes through the current symlink, so the
// listener survives rollovers and serves whatever the link points at.
func (e *Engine) serveStatic(req deployer.ActivateRequest, root string, paths appPaths) error {
	docRoot := filepath.Join(paths.projectDir, "current", root)

	if !e.static.Serving(req.ProjectID, req.Port) {
		// A previous server-mode deployment may still hold the port.
		if err := stopProcess(paths.projectDir); err != nil {
			e.logger.Warn("failed to stop previous process",
				slog.String("project_id", req.ProjectID),
				slog.Any("error", err))
		}
		if err := waitPortFree(req.Port, portFreeTimeout); err != nil {
			return err
		}
	}

	if err := e.static.Serve(req.ProjectID, req.Port, docRoot); err != nil {
		return err
	}

	marker := filepath.Join(paths.projectDir, staticPortFile)
	if err := os.WriteFile(marker, []byte(strconv.Itoa(req.Port)), 0o644); err != nil {
		e.logger.Warn("failed to write static port marker", slog.Any("error", err))
	}
	return nil
}

func (e *Engine) startApplication(req deployer.ActivateRequest, fw models.Framework, paths appPaths) error {
	e.logs.Stream(req.BuildID, "Starting application...", models.LogLevelInfo)

	argv := framework.StartCommand(fw, req.Port, paths.buildDir)
	if len(argv) == 0 {
		err := fmt.Errorf("no start command for framework %s", fw)
		e.logs.Stream(req.BuildID, fmt.Sprintf("Failed to start application: %v", err), models.LogLevelError)
		return err
	}
	e.logs.Stream(req.BuildID, fmt.Sprintf("Running: %v", argv), models.LogLevelInfo)

	onLine := func(line string) { e.logs.Stream(req.BuildID, line, models.LogLevelInfo) }
	pid, err := startProcess(paths.projectDir, paths.buildDir, argv, processEnv(req.EnvVars, req.Port), onLine)
	if err != nil {
		e.logs.Stream(req.BuildID, fmt.Sprintf("Failed to start application: %v", err), models.LogLevelError)
		return err
	}
	e.logs.Stream(req.BuildID, fmt.Sprintf("Process started with PID %d on port %d", pid, req.Port), models.LogLevelInfo)

	// Give the app a moment before health checks begin.
	time.Sleep(startupGrace)
	return nil
}

func (e *Engine) installDependencies(ctx context.Context, req deployer.ActivateRequest, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "node_modules")); err == nil {
		return nil
	}

	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	onLine := func(line string) { e.logs.Stream(req.BuildID, line, models.LogLevelInfo) }
	return runStreamed(installCtx, dir, []string{"bun", "install"}, nil, onLine)
}

// configureProxy installs the nginx rule for the project's subdomain. Proxy
// failures never fail an activation that already serves traffic.
func (e *Engine) configureProxy(req deployer.ActivateRequest) {
	if !e.production || req.Subdomain == "" {
		return
	}
	e.logs.Stream(req.BuildID, "Configuring Nginx...", models.LogLevelInfo)
	if err := e.nginx.CreateConfig(req.Subdomain, req.Port); err != nil {
		e.logger.Warn("nginx configuration failed",
			slog.String("subdomain", req.Subdomain),
			slog.Any("error", err))
		e.logs.Stream(req.BuildID, fmt.Sprintf("Failed to configure Nginx: %v", err), models.LogLevelWarning)
	}
}

func (e *Engine) recoverStaticSites() int {
	entries, err := os.ReadDir(e.appsDir)
	if err != nil {
		return 0
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		projectID := entry.Name()
		projectDir := filepath.Join(e.appsDir, projectID)

		data, err := os.ReadFile(filepath.Join(projectDir, staticPortFile))
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || port <= 0 {
			continue
		}
		root, ok := staticDocRoot(projectDir)
		if !ok {
			continue
		}
		if err := e.static.Serve(projectID, port, root); err != nil {
			e.logger.Warn("failed to recover static site",
				slog.String("project_id", projectID),
				slog.Any("error", err))
			continue
		}
		count++
	}
	return count
}

// staticDocRoot finds the servable directory behind the current symlink.
func staticDocRoot(projectDir string) (string, bool) {
	current := filepath.Join(projectDir, "current")
	for _, root := range []string{"dist", "out"} {
		full := filepath.Join(current, root)
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			return full, true
		}
	}
	return "", false
}

// rotateCurrent records buildID as current and atomically points
// projectDir/current at buildDir. Readers of the symlink never observe a
// missing link.
func rotateCurrent(projectDir, buildDir, buildID string) error {
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	marker := filepath.Join(projectDir, "current_build_id")
	if err := os.WriteFile(marker, []byte(buildID), 0o644); err != nil {
		return fmt.Errorf("failed to record current build: %w", err)
	}

	currentLink := filepath.Join(projectDir, "current")
	tempLink := filepath.Join(projectDir, "current.tmp")

	os.Remove(tempLink)
	if err := os.Symlink(buildDir, tempLink); err != nil {
		return fmt.Errorf("failed to create temp symlink: %w", err)
	}
	if err := os.Rename(tempLink, currentLink); err != nil {
		os.Remove(tempLink)
		return fmt.Errorf("failed to rename symlink: %w", err)
	}
	return nil
}

// validIDs filters out anything that is not a UUID so request bodies can't
// name arbitrary artifact paths.
func validIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
