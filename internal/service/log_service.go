package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/loghub"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
	"github.com/thakurdotdev/deploy/internal/pkg/ulid"
	"github.com/thakurdotdev/deploy/internal/repository"
)

// LogService defines the interface for build log operations.
type LogService interface {
	Append(ctx context.Context, buildID uuid.UUID, logs string, level string) (int, error)
	List(ctx context.Context, buildID uuid.UUID) ([]*models.LogEntry, error)
	DeleteForBuild(ctx context.Context, buildID uuid.UUID) (int64, error)
	Subscribe(buildID uuid.UUID) *loghub.Subscriber
}

type logService struct {
	logRepo   repository.LogRepository
	buildRepo repository.BuildRepository
	hub       *loghub.Hub
	logger    *slog.Logger
}

// NewLogService creates a new log service.
func NewLogService(logRepo repository.LogRepository, buildRepo repository.BuildRepository, hub *loghub.Hub, logger *slog.Logger) LogService {
	return &logService{
		logRepo:   logRepo,
		buildRepo: buildRepo,
		hub:       hub,
		logger:    logger.With(slog.String("component", "log_service")),
	}
}

// Append persists each non-empty line of logs as its own entry and fans the
// entries out to live subscribers. Persistence happens before publication so
// a subscriber that misses the live delivery can recover via List. Returns
// the number of entries written.
func (s *logService) Append(ctx context.Context, buildID uuid.UUID, logs string, level string) (int, error) {
	if level == "" {
		level = models.LogLevelInfo.String()
	}
	lvl := models.LogLevel(level)
	if !lvl.Valid() {
		return 0, apierrors.NewValidationError("level", fmt.Sprintf("unknown log level %q", level))
	}

	build, err := s.buildRepo.GetByID(ctx, buildID)
	if err != nil {
		return 0, fmt.Errorf("failed to get build: %w", err)
	}
	if build == nil {
		return 0, apierrors.NewNotFoundError("Build")
	}

	now := time.Now().UTC()
	var entries []*models.LogEntry
	for _, line := range strings.Split(logs, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, &models.LogEntry{
			ID:        ulid.New(),
			BuildID:   buildID,
			Level:     lvl,
			Message:   line,
			Timestamp: now,
		})
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if err := s.logRepo.Insert(ctx, entries); err != nil {
		return 0, fmt.Errorf("failed to insert logs: %w", err)
	}
	for _, e := range entries {
		s.hub.Publish(*e)
	}
	return len(entries), nil
}

// List retrieves all persisted entries for a build in insertion order.
func (s *logService) List(ctx context.Context, buildID uuid.UUID) ([]*models.LogEntry, error) {
	build, err := s.buildRepo.GetByID(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	if build == nil {
		return nil, apierrors.NewNotFoundError("Build")
	}
	return s.logRepo.ListByBuild(ctx, buildID)
}

// DeleteForBuild removes all persisted entries for a build and returns the
// number deleted.
func (s *logService) DeleteForBuild(ctx context.Context, buildID uuid.UUID) (int64, error) {
	deleted, err := s.logRepo.DeleteByBuild(ctx, buildID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete logs: %w", err)
	}
	return deleted, nil
}

// Subscribe registers a live subscriber for a build's log stream.
func (s *logService) Subscribe(buildID uuid.UUID) *loghub.Subscriber {
	return s.hub.Subscribe(buildID)
}

// Compile-time check to ensure logService implements LogService.
var _ LogService = (*logService)(nil)
