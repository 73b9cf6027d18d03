package deployer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/buildkite/roko"

	"github.com/thakurdotdev/deploy/internal/models"
)

// Worker triggers builds on a build worker directly over HTTP. This is the
// fallback path for deployments running without the queue; the queued path
// is canonical.
type Worker interface {
	TriggerBuild(ctx context.Context, job *models.BuildJobData) error
}

// WorkerClient talks to one build worker.
type WorkerClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWorkerClient creates a client for the worker at baseURL.
func NewWorkerClient(baseURL string, logger *slog.Logger) *WorkerClient {
	return &WorkerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger.With(slog.String("component", "worker_client")),
	}
}

// TriggerBuild posts a job to the worker's /build endpoint. Attempts are
// retried with exponential backoff (1s, 2s, 4s) and a 10 second deadline
// each, since the worker may be busy finishing a previous build.
func (c *WorkerClient) TriggerBuild(ctx context.Context, job *models.BuildJobData) error {
	payload, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encoding build job: %w", err)
	}

	err = roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Exponential(time.Second, 0)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/build", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("build trigger attempt failed",
				slog.String("build_id", job.BuildID.String()),
				slog.String("error", err.Error()))
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("worker returned %d: %s", resp.StatusCode, body)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("triggering build %s: %w", job.BuildID, err)
	}
	return nil
}

// Compile-time check to ensure WorkerClient implements Worker.
var _ Worker = (*WorkerClient)(nil)
