// Package worker implements the build worker: it consumes build jobs,
// clones sources, runs install and build commands, packages the result
// into a gzipped tar, and ships it to the deploy engine, streaming every
// log line back to the control plane along the way.
package worker

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
	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/models"
)

// ControlClient performs the worker's callbacks against the control plane:
// build status transitions and log ingestion.
type ControlClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewControlClient creates a client for the control plane at baseURL.
func NewControlClient(baseURL string, logger *slog.Logger) *ControlClient {
	return &ControlClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger.With(slog.String("component", "control_client")),
	}
}

// UpdateStatus transitions a build's status. Transport failures are retried
// briefly; a status transition the control plane refuses is final.
func (c *ControlClient) UpdateStatus(ctx context.Context, buildID uuid.UUID, status models.BuildStatus) error {
	payload, err := json.Marshal(models.UpdateBuildStatusRequest{Status: status.String()})
	if err != nil {
		return fmt.Errorf("encoding status update: %w", err)
	}

	err = roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(500*time.Millisecond)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		endpoint := fmt.Sprintf("%s/builds/%s", c.baseURL, buildID)
		req, err := http.NewRequestWithContext(callCtx, http.MethodPut, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// The control plane answered; retrying will not change its mind.
			r.Break()
			return decodeControlError(resp)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating build %s to %s: %w", buildID, status, err)
	}
	return nil
}

// PostLogs appends log lines to a build under one level. Failures are
// returned, not retried; the streamer treats log delivery as best-effort.
func (c *ControlClient) PostLogs(ctx context.Context, buildID uuid.UUID, logs string, level models.LogLevel) error {
	payload, err := json.Marshal(models.PostLogsRequest{Logs: logs, Level: level.String()})
	if err != nil {
		return fmt.Errorf("encoding logs: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := fmt.Sprintf("%s/builds/%s/logs", c.baseURL, buildID)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeControlError(resp)
	}
	return nil
}

// controlError is a non-2xx reply from the control plane.
type controlError struct {
	StatusCode int
	Title      string `json:"error"`
	Detail     string `json:"message"`
}

func (e *controlError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("control plane: %s (%d)", e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("control plane returned %d", e.StatusCode)
}

func decodeControlError(resp *http.Response) error {
	ctlErr := &controlError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(ctlErr); err != nil {
		ctlErr.Detail = ""
	}
	return ctlErr
}
