// Package deployer holds the HTTP clients for the platform's downstream
// services: the deploy engine (port checks, artifact upload, activation,
// teardown) and the build worker's direct-trigger fallback.
package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/buildkite/roko"
)

// Engine is the deploy engine's client-side surface. The control plane uses
// it for port allocation, activation, and cleanup; the build worker uses it
// to upload artifacts.
type Engine interface {
	CheckPort(ctx context.Context, port int) (bool, error)
	UploadArtifact(ctx context.Context, buildID string, artifact io.Reader) error
	Activate(ctx context.Context, req ActivateRequest) error
	Stop(ctx context.Context, req StopRequest) error
	DeleteProject(ctx context.Context, projectID string, req DeleteProjectRequest) error
	Healthy(ctx context.Context) error
}

// ActivateRequest asks the engine to extract a build's artifact and serve it
// on the project's port.
type ActivateRequest struct {
	ProjectID string            `json:"projectId"`
	BuildID   string            `json:"buildId"`
	Port      int               `json:"port"`
	AppType   string            `json:"appType"`
	Subdomain string            `json:"subdomain,omitempty"`
	EnvVars   map[string]string `json:"envVars,omitempty"`
}

// StopRequest asks the engine to stop whatever serves a port.
type StopRequest struct {
	Port      int    `json:"port"`
	ProjectID string `json:"projectId,omitempty"`
	BuildID   string `json:"buildId,omitempty"`
}

// DeleteProjectRequest asks the engine to remove every trace of a project:
// app directory, artifacts, proxy rule, and any running process.
type DeleteProjectRequest struct {
	Port      int      `json:"port,omitempty"`
	Subdomain string   `json:"subdomain,omitempty"`
	BuildIDs  []string `json:"buildIds,omitempty"`
}

// EngineError is a non-2xx reply from the deploy engine.
type EngineError struct {
	StatusCode int
	Title      string `json:"error"`
	Detail     string `json:"message"`
}

func (e *EngineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("deploy engine: %s (%d)", e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("deploy engine returned %d", e.StatusCode)
}

// EngineClient talks to one deploy engine over HTTP.
type EngineClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewEngineClient creates a client for the engine at baseURL. Per-call
// deadlines come from the request context; activation in particular can
// legitimately take tens of seconds while the engine health-checks the app.
func NewEngineClient(baseURL string, logger *slog.Logger) *EngineClient {
	return &EngineClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger.With(slog.String("component", "engine_client")),
	}
}

// CheckPort asks the engine whether a host port is free. Transport failures
// are retried briefly so a restarting engine doesn't fail port allocation.
func (c *EngineClient) CheckPort(ctx context.Context, port int) (bool, error) {
	var available bool

	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(500*time.Millisecond)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var result struct {
			Available bool `json:"available"`
		}
		if err := c.postJSON(callCtx, "/ports/check", map[string]int{"port": port}, &result); err != nil {
			// A definitive engine reply is an answer, not a fault.
			if engineErr, ok := err.(*EngineError); ok {
				r.Break()
				return engineErr
			}
			return err
		}
		available = result.Available
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking port %d: %w", port, err)
	}
	return available, nil
}

// UploadArtifact streams a gzipped tar to the engine's artifact store. The
// body is unbuffered; size is bounded only by the build output.
func (c *EngineClient) UploadArtifact(ctx context.Context, buildID string, artifact io.Reader) error {
	endpoint := fmt.Sprintf("%s/artifacts/upload?buildId=%s", c.baseURL, buildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, artifact)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeEngineError(resp)
	}
	return nil
}

// Activate extracts and serves a build. The engine health-checks the app
// before replying, so this call blocks for the whole activation.
func (c *EngineClient) Activate(ctx context.Context, req ActivateRequest) error {
	callCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	if err := c.postJSON(callCtx, "/activate", req, nil); err != nil {
		return fmt.Errorf("activating build %s: %w", req.BuildID, err)
	}
	return nil
}

// Stop halts the process or container serving a port.
func (c *EngineClient) Stop(ctx context.Context, req StopRequest) error {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := c.postJSON(callCtx, "/stop", req, nil); err != nil {
		return fmt.Errorf("stopping port %d: %w", req.Port, err)
	}
	return nil
}

// DeleteProject removes a project's runtime state from the engine host.
func (c *EngineClient) DeleteProject(ctx context.Context, projectID string, req DeleteProjectRequest) error {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	path := fmt.Sprintf("/projects/%s/delete", projectID)
	if err := c.postJSON(callCtx, path, req, nil); err != nil {
		return fmt.Errorf("deleting project %s: %w", projectID, err)
	}
	return nil
}

// Healthy reports whether the engine answers its health endpoint.
func (c *EngineClient) Healthy(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deploy engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deploy engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *EngineClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeEngineError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func decodeEngineError(resp *http.Response) error {
	engineErr := &EngineError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(engineErr); err != nil {
		engineErr.Detail = ""
	}
	return engineErr
}

// Compile-time check to ensure EngineClient implements Engine.
var _ Engine = (*EngineClient)(nil)
