package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/onyx-hq/onyx/pkg/models"
)

// TaskQueue hands ingest work for non-native integration slugs to external
// workers. Publish returns the task row the caller persists in the same
// transaction that created or synced the integration; workers report
// completion back through the sync-state handlers.
type TaskQueue interface {
	Publish(ctx context.Context, integration *models.Integration) (*models.Task, error)
}

// ingestTaskPayload is the wire form handed to external workers.
type ingestTaskPayload struct {
	TaskID        uuid.UUID `json:"task_id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	Slug          string    `json:"slug"`
}

// NatsQueue publishes ingest tasks on per-slug NATS subjects.
type NatsQueue struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNatsQueue builds the queue on an existing NATS connection.
func NewNatsQueue(conn *nats.Conn) *NatsQueue {
	return &NatsQueue{conn: conn, subjectPrefix: "ingest.tasks."}
}

// Publish emits the task message and returns the queued task row. The
// message is flushed before returning so a committed task row implies the
// broker saw it.
func (q *NatsQueue) Publish(ctx context.Context, integration *models.Integration) (*models.Task, error) {
	task := &models.Task{
		ID:          uuid.New(),
		SourceID:    integration.ID,
		QueueSystem: "nats",
		ExternalID:  uuid.NewString(),
	}
	body, err := json.Marshal(ingestTaskPayload{
		TaskID:        task.ID,
		IntegrationID: integration.ID,
		Slug:          integration.Slug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ingest task: %w", err)
	}
	task.Payload = string(body)

	if err := q.conn.Publish(q.subjectPrefix+integration.Slug, body); err != nil {
		return nil, fmt.Errorf("failed to publish ingest task: %w", err)
	}
	if err := q.conn.FlushWithContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush ingest task: %w", err)
	}
	return task, nil
}
