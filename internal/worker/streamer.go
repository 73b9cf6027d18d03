package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/models"
)

// flushInterval is how long buffered lines may sit before they are shipped.
// The timer starts when a build's buffer goes from empty to non-empty, so a
// chatty command produces one POST per window instead of one per line.
const flushInterval = 300 * time.Millisecond

type logLine struct {
	level models.LogLevel
	text  string
}

// Streamer batches build log lines and ships them to the control plane.
// Delivery is best-effort: a failed flush is reported locally and dropped,
// never blocking or failing the build that produced the lines.
type Streamer struct {
	control  *ControlClient
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID][]logLine
	timers  map[uuid.UUID]*time.Timer
}

// NewStreamer creates a streamer posting through control.
func NewStreamer(control *ControlClient, logger *slog.Logger) *Streamer {
	return &Streamer{
		control:  control,
		interval: flushInterval,
		logger:   logger.With(slog.String("component", "log_streamer")),
		pending:  make(map[uuid.UUID][]logLine),
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// Write buffers one line for a build and arms the flush timer if this line
// started a new batch.
func (s *Streamer) Write(buildID uuid.UUID, level models.LogLevel, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[buildID] = append(s.pending[buildID], logLine{level: level, text: text})
	if _, armed := s.timers[buildID]; !armed {
		s.timers[buildID] = time.AfterFunc(s.interval, func() {
			s.Flush(context.Background(), buildID)
		})
	}
}

// Flush ships everything buffered for a build right away. Lines are grouped
// by level, one POST per level, so each persisted entry keeps its level.
// Called by the timer and explicitly when a build finishes.
func (s *Streamer) Flush(ctx context.Context, buildID uuid.UUID) {
	s.mu.Lock()
	lines := s.pending[buildID]
	delete(s.pending, buildID)
	if t, ok := s.timers[buildID]; ok {
		t.Stop()
		delete(s.timers, buildID)
	}
	s.mu.Unlock()

	if len(lines) == 0 {
		return
	}

	// Group by level in first-seen order.
	order := make([]models.LogLevel, 0, 2)
	grouped := make(map[models.LogLevel][]string)
	for _, line := range lines {
		if _, seen := grouped[line.level]; !seen {
			order = append(order, line.level)
		}
		grouped[line.level] = append(grouped[line.level], line.text)
	}

	for _, level := range order {
		batch := strings.Join(grouped[level], "\n")
		if err := s.control.PostLogs(ctx, buildID, batch, level); err != nil {
			s.logger.Error("log flush failed",
				slog.String("build_id", buildID.String()),
				slog.String("level", level.String()),
				slog.Int("lines", len(grouped[level])),
				slog.String("error", err.Error()))
		}
	}
}
