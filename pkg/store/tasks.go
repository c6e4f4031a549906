package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/models"
)

// TaskRepository records tasks handed to the external ingest queue and the
// last state reported back for them.
type TaskRepository struct {
	q Querier
}

// Create inserts a published task in the queued state.
func (r *TaskRepository) Create(ctx context.Context, t *models.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO tasks (id, source_id, queue_system, external_id, payload, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.SourceID, t.QueueSystem, t.ExternalID, t.Payload, models.TaskQueued, t.CreatedAt)
	return translateError(err)
}

// GetLatestBySource returns the most recently published task for a source.
func (r *TaskRepository) GetLatestBySource(ctx context.Context, sourceID uuid.UUID) (*models.Task, error) {
	var t models.Task
	err := r.q.QueryRow(ctx,
		`SELECT id, source_id, queue_system, external_id, payload, created_at
		 FROM tasks WHERE source_id = $1 ORDER BY created_at DESC LIMIT 1`, sourceID).
		Scan(&t.ID, &t.SourceID, &t.QueueSystem, &t.ExternalID, &t.Payload, &t.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	return &t, nil
}

// UpdateResult records the queue-side state for a task.
func (r *TaskRepository) UpdateResult(ctx context.Context, externalID, queueSystem string, result models.TaskResult) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE tasks SET state = $3, date_done = $4
		 WHERE external_id = $1 AND queue_system = $2`,
		externalID, queueSystem, result.State, result.DateDone)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetResult returns the recorded state for a task.
func (r *TaskRepository) GetResult(ctx context.Context, externalID, queueSystem string) (models.TaskResult, error) {
	var result models.TaskResult
	err := r.q.QueryRow(ctx,
		`SELECT state, date_done FROM tasks
		 WHERE external_id = $1 AND queue_system = $2`, externalID, queueSystem).
		Scan(&result.State, &result.DateDone)
	if err != nil {
		return models.TaskResult{}, translateError(err)
	}
	return result, nil
}
