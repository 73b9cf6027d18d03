package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/thakurdotdev/deploy/internal/models"
)

// LogSink delivers deployment progress into a build's log pipeline. Delivery
// is best-effort: a sink failure must never fail an activation.
type LogSink interface {
	Stream(buildID, message string, level models.LogLevel)
}

// controlSink posts entries to the control plane's internal log endpoint.
type controlSink struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLogSink returns a sink that streams to the control plane at baseURL.
func NewLogSink(baseURL string, logger *slog.Logger) LogSink {
	return &controlSink{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger.With(slog.String("component", "log_sink")),
	}
}

func (s *controlSink) Stream(buildID, message string, level models.LogLevel) {
	payload, err := json.Marshal(models.PostLogsRequest{
		Logs:  fmt.Sprintf("[Deploy] %s\n", message),
		Level: level.String(),
	})
	if err != nil {
		s.logger.Warn("failed to encode deploy log", slog.Any("error", err))
		return
	}

	endpoint := fmt.Sprintf("%s/builds/%s/logs", s.baseURL, buildID)
	resp, err := s.httpClient.Post(endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("failed to stream deploy log",
			slog.String("build_id", buildID),
			slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("control plane rejected deploy log",
			slog.String("build_id", buildID),
			slog.Int("status", resp.StatusCode))
	}
}

// NopSink discards every entry. Useful in tests and when the engine runs
// without a control plane.
type NopSink struct{}

func (NopSink) Stream(string, string, models.LogLevel) {}

var _ LogSink = (*controlSink)(nil)
var _ LogSink = NopSink{}
