package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/framework"
	"github.com/thakurdotdev/deploy/internal/models"
)

const (
	containerPrefix = "thakur-"
	imageRepo       = "thakur-deploy/"
	labelProjectID  = "thakur.projectId"
	labelBuildID    = "thakur.buildId"

	defaultInternalPort = 3000
	viteInternalPort    = 80

	memoryLimit = "512m"
	cpuLimit    = "0.5"

	imagesToKeep        = 3
	dockerHealthTimeout = 30 * time.Second
)

type execResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// Docker deploys builds as containers when the engine runs in container
// mode. It shells out to the docker CLI; restarts after host reboots are the
// daemon's job via the container restart policy.
type Docker struct {
	logs   LogSink
	logger *slog.Logger

	run    func(args ...string) execResult
	stream func(args []string, onLine func(string)) (int, error)

	mu        sync.Mutex
	followers map[string]func()
}

func NewDocker(logs LogSink, logger *slog.Logger) *Docker {
	return &Docker{
		logs:      logs,
		logger:    logger.With(slog.String("component", "docker")),
		run:       runDocker,
		stream:    streamDocker,
		followers: make(map[string]func()),
	}
}

// Available reports whether the docker daemon answers.
func (d *Docker) Available() bool {
	res := d.run("version", "--format", "{{.Server.Version}}")
	return res.exitCode == 0 && strings.TrimSpace(res.stdout) != ""
}

// Deploy builds an image from the extracted artifact and replaces the
// project's container with it.
func (d *Docker) Deploy(ctx context.Context, req deployer.ActivateRequest, sourceDir string) error {
	name := containerName(req.ProjectID)
	internalPort := defaultInternalPort
	if models.Framework(req.AppType) == models.FrameworkVite {
		internalPort = viteInternalPort
	}

	d.logs.Stream(req.BuildID, "Preparing container environment...", models.LogLevelInfo)
	d.ensureStopped(req.ProjectID)

	d.logs.Stream(req.BuildID, "Building Docker image...", models.LogLevelInfo)
	image, err := d.buildImage(req, sourceDir, internalPort)
	if err != nil {
		d.logs.Stream(req.BuildID, fmt.Sprintf("Image build failed: %v", err), models.LogLevelError)
		return fmt.Errorf("image build failed: %w", err)
	}

	d.logs.Stream(req.BuildID, "Starting container...", models.LogLevelInfo)
	if err := d.runContainer(req, image, name, internalPort); err != nil {
		d.logs.Stream(req.BuildID, fmt.Sprintf("Container failed to start: %v", err), models.LogLevelError)
		return fmt.Errorf("container failed to start: %w", err)
	}
	d.logs.Stream(req.BuildID, fmt.Sprintf("Container started: %s", name), models.LogLevelInfo)

	d.logs.Stream(req.BuildID, "Performing health check...", models.LogLevelInfo)
	if err := healthCheck(ctx, req.Port, dockerHealthTimeout); err != nil {
		if logs := d.containerLogs(name, 50); logs != "" {
			d.logs.Stream(req.BuildID, "Container logs:\n"+logs, models.LogLevelWarning)
		}
		d.logs.Stream(req.BuildID, "Health check failed", models.LogLevelError)
		d.stopAndRemove(name)
		return fmt.Errorf("health check failed: %w", err)
	}

	d.logs.Stream(req.BuildID, "Container deployed successfully!", models.LogLevelSuccess)

	d.pruneImages(req.ProjectID, imagesToKeep)
	d.follow(req.ProjectID, req.BuildID)
	return nil
}

// Stop halts and removes the project's container.
func (d *Docker) Stop(projectID, buildID string) {
	d.unfollow(projectID)
	name := containerName(projectID)

	if buildID != "" {
		d.logs.Stream(buildID, "Stopping container...", models.LogLevelInfo)
	}
	stopped := d.stopAndRemove(name)
	if buildID != "" && stopped {
		d.logs.Stream(buildID, "Container stopped", models.LogLevelSuccess)
	}
}

// Cleanup removes the project's container and every image built for it.
func (d *Docker) Cleanup(projectID string, buildIDs []string) {
	d.unfollow(projectID)
	d.ensureStopped(projectID)
	for _, buildID := range buildIDs {
		d.run("rmi", "-f", imageName(projectID, buildID))
	}
}

// Recover re-attaches log followers to containers that survived an engine
// restart. Returns the number of containers recovered.
func (d *Docker) Recover() int {
	res := d.run("ps",
		"--format", "{{.Names}} {{.Label \""+labelProjectID+"\"}} {{.Label \""+labelBuildID+"\"}}",
		"--filter", "label="+labelProjectID,
	)
	if res.exitCode != 0 {
		return 0
	}

	count := 0
	for _, line := range strings.Split(strings.TrimSpace(res.stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		d.follow(fields[1], fields[2])
		count++
	}
	return count
}

// --- Helper methods ---

func (d *Docker) buildImage(req deployer.ActivateRequest, sourceDir string, internalPort int) (string, error) {
	image := imageName(req.ProjectID, req.BuildID)
	dockerfile := filepath.Join(sourceDir, "Dockerfile")
	generated := false

	onLog := func(line string) { d.logs.Stream(req.BuildID, line, models.LogLevelInfo) }

	if content, err := os.ReadFile(dockerfile); err == nil {
		sanitized := sanitizeDockerfile(string(content), internalPort)
		if err := os.WriteFile(dockerfile, []byte(sanitized), 0o644); err != nil {
			return "", fmt.Errorf("failed to write sanitized Dockerfile: %w", err)
		}
		onLog("Using existing Dockerfile (sanitized)")
	} else {
		var entry string
		if !hasStartScript(sourceDir) {
			entry = framework.DetectEntryFile(sourceDir)
			if entry != "" {
				onLog(fmt.Sprintf("Detected entry file: %s", entry))
			}
		}
		content := generateDockerfile(models.Framework(req.AppType), internalPort, entry)
		if err := os.WriteFile(dockerfile, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("failed to write generated Dockerfile: %w", err)
		}
		onLog(fmt.Sprintf("Generated Dockerfile for %s", req.AppType))
		generated = true
	}

	onLog(fmt.Sprintf("Building Docker image: %s", image))
	exitCode, err := d.stream([]string{"build", "-t", image, sourceDir}, onLog)
	if generated {
		os.Remove(dockerfile)
	}
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("docker build exited with code %d", exitCode)
	}

	onLog(fmt.Sprintf("Image built successfully: %s", image))
	return image, nil
}

func (d *Docker) runContainer(req deployer.ActivateRequest, image, name string, internalPort int) error {
	args := []string{
		"run", "-d",
		"--name", name,
		"-p", fmt.Sprintf("%d:%d", req.Port, internalPort),
		"--restart", "unless-stopped",
		"--memory", memoryLimit,
		"--cpus", cpuLimit,
		"--label", labelProjectID + "=" + req.ProjectID,
		"--label", labelBuildID + "=" + req.BuildID,
		"-e", "NODE_ENV=production",
	}

	keys := make([]string, 0, len(req.EnvVars))
	for k := range req.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+req.EnvVars[k])
	}
	if _, ok := req.EnvVars["PORT"]; !ok {
		args = append(args, "-e", fmt.Sprintf("PORT=%d", internalPort))
	}
	args = append(args, image)

	res := d.run(args...)
	if res.exitCode != 0 {
		msg := strings.TrimSpace(res.stderr)
		if msg == "" {
			msg = "failed to start container"
		}
		return errors.New(msg)
	}
	return nil
}

func (d *Docker) ensureStopped(projectID string) {
	name := containerName(projectID)
	if d.run("container", "inspect", name).exitCode == 0 {
		d.stopAndRemove(name)
	}
}

func (d *Docker) stopAndRemove(name string) bool {
	d.run("stop", "-t", "10", name)
	return d.run("rm", "-f", name).exitCode == 0
}

func (d *Docker) containerLogs(name string, tail int) string {
	res := d.run("logs", "--tail", strconv.Itoa(tail), name)
	return res.stdout + res.stderr
}

// pruneImages keeps the newest keep images for a project and removes the
// rest.
func (d *Docker) pruneImages(projectID string, keep int) {
	res := d.run("images",
		"--format", "{{.Repository}}:{{.Tag}} {{.CreatedAt}}",
		"--filter", "reference="+imageRepo+shortID(projectID)+":*",
	)
	if res.exitCode != 0 {
		return
	}

	type image struct {
		name    string
		created time.Time
	}
	var images []image
	for _, line := range strings.Split(res.stdout, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}
		t, err := time.Parse("2006-01-02 15:04:05 -0700 MST", parts[1])
		if err != nil {
			continue
		}
		images = append(images, image{name: parts[0], created: t})
	}

	sort.Slice(images, func(i, j int) bool { return images[i].created.After(images[j].created) })
	for i := keep; i < len(images); i++ {
		d.run("rmi", "-f", images[i].name)
	}
}

// follow tails the project's container output into the build's log pipeline.
func (d *Docker) follow(projectID, buildID string) {
	d.unfollow(projectID)

	name := containerName(projectID)
	cancel := followContainer(name, func(line string) {
		d.logs.Stream(buildID, line, models.LogLevelInfo)
	})

	d.mu.Lock()
	d.followers[projectID] = cancel
	d.mu.Unlock()
}

func (d *Docker) unfollow(projectID string) {
	d.mu.Lock()
	cancel, ok := d.followers[projectID]
	if ok {
		delete(d.followers, projectID)
	}
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// --- Docker CLI ---

func runDocker(args ...string) execResult {
	cmd := exec.Command("docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	return execResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: code}
}

func streamDocker(args []string, onLine func(string)) (int, error) {
	cmd := exec.Command("docker", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 1, err
	}

	if err := cmd.Start(); err != nil {
		return 1, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scanInto(stdout, onLine) }()
	// docker build writes progress to stderr
	go func() { defer wg.Done(); scanInto(stderr, onLine) }()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}

// followContainer tails a container's output until the returned cancel func
// runs.
func followContainer(name string, onLine func(string)) func() {
	cmd := exec.Command("docker", "logs", "-f", "--tail", "0", name)
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return func() {}
	}

	go scanInto(stdout, onLine)
	go scanInto(stderr, onLine)
	go cmd.Wait()

	return func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
}

// --- Naming and Dockerfile generation ---

func containerName(projectID string) string {
	return containerPrefix + shortID(projectID)
}

func imageName(projectID, buildID string) string {
	return imageRepo + shortID(projectID) + ":" + shortID(buildID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// portEnvPattern rewrites PORT assignments inside ENV instructions.
var portEnvPattern = regexp.MustCompile(`PORT\s*=?\s*\d+`)

// sanitizeDockerfile pins EXPOSE and the PORT env to the platform's port and
// comments out instructions a tenant Dockerfile must not run.
func sanitizeDockerfile(content string, internalPort int) string {
	lines := strings.Split(content, "\n")
	hasPortEnv := false
	hasExpose := false

	for i, line := range lines {
		upper := strings.ToUpper(strings.TrimSpace(line))

		if strings.HasPrefix(upper, "EXPOSE ") {
			hasExpose = true
			lines[i] = fmt.Sprintf("EXPOSE %d", internalPort)
		}

		if strings.HasPrefix(upper, "ENV ") && strings.Contains(upper, "PORT") {
			hasPortEnv = true
			lines[i] = portEnvPattern.ReplaceAllString(line, fmt.Sprintf("PORT=%d", internalPort))
		}

		if strings.Contains(upper, "USER ROOT") ||
			strings.Contains(upper, "--PRIVILEGED") ||
			strings.Contains(upper, "DOCKER.SOCK") {
			lines[i] = "# REMOVED FOR SECURITY: " + line
		}
	}

	if !hasExpose {
		lines = append(lines, fmt.Sprintf("EXPOSE %d", internalPort))
	}

	if !hasPortEnv {
		portEnv := fmt.Sprintf("ENV PORT=%d", internalPort)
		cmdIdx := -1
		for i, line := range lines {
			upper := strings.ToUpper(strings.TrimSpace(line))
			if strings.HasPrefix(upper, "CMD") || strings.HasPrefix(upper, "ENTRYPOINT") {
				cmdIdx = i
				break
			}
		}
		if cmdIdx > -1 {
			lines = append(lines[:cmdIdx], append([]string{portEnv}, lines[cmdIdx:]...)...)
		} else {
			lines = append(lines, portEnv)
		}
	}

	return strings.Join(lines, "\n")
}

// generateDockerfile renders a Dockerfile for projects that don't ship one.
// Vite builds are served by nginx; everything else runs under bun.
func generateDockerfile(f models.Framework, internalPort int, entryFile string) string {
	if f == models.FrameworkVite {
		return `FROM nginx:alpine
COPY dist/ /usr/share/nginx/html
EXPOSE 80
CMD ["nginx", "-g", "daemon off;"]`
	}

	cmd := `CMD ["bun", "run", "start"]`
	if entryFile != "" {
		cmd = fmt.Sprintf(`CMD ["bun", "run", "%s"]`, entryFile)
	}

	return fmt.Sprintf(`FROM oven/bun:1-alpine AS builder
WORKDIR /app
COPY package.json ./
RUN bun install
COPY . .

FROM oven/bun:1-alpine
WORKDIR /app
COPY --from=builder /app .
ENV NODE_ENV=production
ENV PORT=%d
EXPOSE %d
%s`, internalPort, internalPort, cmd)
}

func hasStartScript(sourceDir string) bool {
	data, err := os.ReadFile(filepath.Join(sourceDir, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return false
	}
	return strings.TrimSpace(pkg.Scripts["start"]) != ""
}
