package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thakurdotdev/deploy/internal/models"
)

// LogRepository defines the interface for build log data operations.
type LogRepository interface {
	Insert(ctx context.Context, entries []*models.LogEntry) error
	ListByBuild(ctx context.Context, buildID uuid.UUID) ([]*models.LogEntry, error)
	DeleteByBuild(ctx context.Context, buildID uuid.UUID) (int64, error)
}

type logRepo struct {
	pool *pgxpool.Pool
}

// NewLogRepository creates a new log repository.
func NewLogRepository(pool *pgxpool.Pool) LogRepository {
	return &logRepo{pool: pool}
}

// Insert persists a batch of log entries in one round trip.
func (r *logRepo) Insert(ctx context.Context, entries []*models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO build_logs (id, build_id, level, message, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(query, e.ID, e.BuildID, e.Level, e.Message, e.Timestamp)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListByBuild retrieves all log entries for a build in insertion order.
// ULID ids break timestamp ties, so the order is stable across reads.
func (r *logRepo) ListByBuild(ctx context.Context, buildID uuid.UUID) ([]*models.LogEntry, error) {
	query := `
		SELECT id, build_id, level, message, timestamp
		FROM build_logs
		WHERE build_id = $1
		ORDER BY timestamp ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteByBuild removes all log entries for a build, returning how many
// rows were deleted.
func (r *logRepo) DeleteByBuild(ctx context.Context, buildID uuid.UUID) (int64, error) {
	query := `DELETE FROM build_logs WHERE build_id = $1`
	result, err := r.pool.Exec(ctx, query, buildID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Compile-time check to ensure logRepo implements LogRepository.
var _ LogRepository = (*logRepo)(nil)
