package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/thakurdotdev/deploy/internal/middleware"
	"github.com/thakurdotdev/deploy/internal/queue"
)

// pollTimeout bounds one blocking dequeue. Short enough that shutdown and
// depth reporting stay responsive, long enough to not hammer Redis.
const pollTimeout = 5 * time.Second

// Consumer pulls jobs off the build queue and runs them, one at a time.
type Consumer struct {
	queue  *queue.Queue
	runner *Runner
	logger *slog.Logger
}

// NewConsumer creates a queue consumer around a runner.
func NewConsumer(q *queue.Queue, runner *Runner, logger *slog.Logger) *Consumer {
	return &Consumer{
		queue:  q,
		runner: runner,
		logger: logger.With(slog.String("component", "consumer")),
	}
}

// Start consumes jobs until ctx is cancelled. Dequeue errors back off
// instead of spinning so a Redis outage does not melt the logs.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("queue consumer started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("queue consumer stopped")
			return
		}

		job, err := c.queue.Dequeue(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("queue consumer stopped")
				return
			}
			c.logger.Error("dequeue failed", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if job == nil {
			// Poll window elapsed with nothing waiting.
			c.reportDepth(ctx)
			continue
		}

		c.logger.Info("job dequeued",
			slog.String("build_id", job.BuildID.String()),
			slog.String("project_id", job.ProjectID.String()))
		c.reportDepth(ctx)

		if err := c.runner.Run(ctx, job); err != nil {
			if ferr := c.queue.Fail(ctx, job.BuildID); ferr != nil {
				c.logger.Error("failed to record job failure",
					slog.String("build_id", job.BuildID.String()),
					slog.String("error", ferr.Error()))
			}
		} else {
			if cerr := c.queue.Complete(ctx, job.BuildID); cerr != nil {
				c.logger.Error("failed to record job completion",
					slog.String("build_id", job.BuildID.String()),
					slog.String("error", cerr.Error()))
			}
		}
		c.reportDepth(ctx)
	}
}

// reportDepth refreshes the queue depth gauges. Best-effort; an error here
// only costs a stale gauge.
func (c *Consumer) reportDepth(ctx context.Context) {
	counts, err := c.queue.Counts(ctx)
	if err != nil {
		return
	}
	middleware.SetQueueDepth(counts["waiting"], counts["active"])
}
