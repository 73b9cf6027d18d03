// Package queue implements the Redis-backed build queue shared by the
// control plane (producer) and the build worker (consumer).
//
// Jobs are identified by build ID. The waiting list holds IDs in FIFO order
// and the job payload lives under its own key, so enqueueing the same build
// twice is a no-op. Consumers move IDs from waiting to active atomically,
// which means a crashed worker leaves its job visible on the active list
// instead of losing it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/thakurdotdev/deploy/internal/models"
)

const (
	waitingKey   = "buildq:waiting"
	activeKey    = "buildq:active"
	completedKey = "buildq:completed"
	failedKey    = "buildq:failed"
	jobKeyPrefix = "buildq:job:"

	// Retention caps for the terminal lists. IDs trimmed off the tail have
	// their payload keys deleted as well.
	completedRetention = 100
	failedRetention    = 50
)

// Queue is a FIFO build queue on top of Redis lists.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a queue over an existing Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "queue")),
	}
}

func jobKey(buildID string) string {
	return jobKeyPrefix + buildID
}

// Enqueue adds a build job to the waiting list. The build ID doubles as the
// job ID, so enqueueing an already-queued build returns false without
// touching the list.
func (q *Queue) Enqueue(ctx context.Context, job *models.BuildJobData) (bool, error) {
	payload, err := job.Encode()
	if err != nil {
		return false, fmt.Errorf("failed to encode build job: %w", err)
	}

	id := job.BuildID.String()

	created, err := q.rdb.SetNX(ctx, jobKey(id), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to store build job: %w", err)
	}
	if !created {
		q.logger.Debug("build already enqueued", slog.String("build_id", id))
		return false, nil
	}

	if err := q.rdb.LPush(ctx, waitingKey, id).Err(); err != nil {
		// Roll back the payload so a later enqueue attempt can succeed.
		q.rdb.Del(ctx, jobKey(id))
		return false, fmt.Errorf("failed to enqueue build job: %w", err)
	}

	q.logger.Info("build enqueued", slog.String("build_id", id))
	return true, nil
}

// Dequeue blocks up to timeout waiting for the next job, moving its ID from
// the waiting to the active list. It returns (nil, nil) when the timeout
// elapses with no work, so callers can loop on it.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*models.BuildJobData, error) {
	id, err := q.rdb.BRPopLPush(ctx, waitingKey, activeKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop build job: %w", err)
	}

	payload, err := q.rdb.Get(ctx, jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		// Drained or expired while waiting. Drop the orphan ID.
		q.rdb.LRem(ctx, activeKey, 1, id)
		q.logger.Warn("dequeued build with no payload", slog.String("build_id", id))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load build job %s: %w", id, err)
	}

	job, err := models.DecodeBuildJob([]byte(payload))
	if err != nil {
		q.rdb.LRem(ctx, activeKey, 1, id)
		q.rdb.Del(ctx, jobKey(id))
		return nil, fmt.Errorf("failed to decode build job %s: %w", id, err)
	}
	return job, nil
}

// Complete moves a finished job from the active list to the completed list.
func (q *Queue) Complete(ctx context.Context, buildID uuid.UUID) error {
	return q.finish(ctx, buildID, completedKey, completedRetention)
}

// Fail moves a failed job from the active list to the failed list.
func (q *Queue) Fail(ctx context.Context, buildID uuid.UUID) error {
	return q.finish(ctx, buildID, failedKey, failedRetention)
}

func (q *Queue) finish(ctx context.Context, buildID uuid.UUID, destKey string, retention int64) error {
	id := buildID.String()

	if err := q.rdb.LRem(ctx, activeKey, 1, id).Err(); err != nil {
		return fmt.Errorf("failed to remove build %s from active list: %w", id, err)
	}
	if err := q.rdb.LPush(ctx, destKey, id).Err(); err != nil {
		return fmt.Errorf("failed to record build %s outcome: %w", id, err)
	}

	// Evict IDs past the retention cap together with their payloads.
	for {
		length, err := q.rdb.LLen(ctx, destKey).Result()
		if err != nil {
			return fmt.Errorf("failed to trim %s: %w", destKey, err)
		}
		if length <= retention {
			return nil
		}
		evicted, err := q.rdb.RPop(ctx, destKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to trim %s: %w", destKey, err)
		}
		q.rdb.Del(ctx, jobKey(evicted))
	}
}

// Drain removes every waiting job and its payload, returning how many were
// dropped. Jobs already claimed by a worker keep running.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, waitingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list waiting builds: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, waitingKey)
	for _, id := range ids {
		keys = append(keys, jobKey(id))
	}
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to drain queue: %w", err)
	}

	q.logger.Info("queue drained", slog.Int("dropped", len(ids)))
	return len(ids), nil
}

// Counts reports the length of each queue list, keyed by state name.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 4)
	for name, key := range map[string]string{
		"waiting":   waitingKey,
		"active":    activeKey,
		"completed": completedKey,
		"failed":    failedKey,
	} {
		n, err := q.rdb.LLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count %s builds: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}
