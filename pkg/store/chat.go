package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/onyx-hq/onyx/pkg/models"
)

// ChannelRepository persists chat channels.
type ChannelRepository struct {
	q Querier
}

const channelColumns = `id, name, organization_id, created_by, agent_id,
	is_deleted, last_message_at, created_at`

func scanChannel(row pgx.Row) (*models.Channel, error) {
	var c models.Channel
	err := row.Scan(&c.ID, &c.Name, &c.OrganizationID, &c.CreatedBy, &c.AgentID,
		&c.IsDeleted, &c.LastMessageAt, &c.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	return &c, nil
}

// Create inserts a channel.
func (r *ChannelRepository) Create(ctx context.Context, c *models.Channel) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO channels (id, name, organization_id, created_by, agent_id,
			is_deleted, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Name, c.OrganizationID, c.CreatedBy, c.AgentID,
		c.IsDeleted, c.LastMessageAt, c.CreatedAt)
	return translateError(err)
}

// GetByID fetches one channel.
func (r *ChannelRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1 AND NOT is_deleted`, id)
	return scanChannel(row)
}

// GetByAgentAndCreator returns the creator's live channel with an agent, if
// one exists. Channel creation is idempotent per (agent, creator).
func (r *ChannelRepository) GetByAgentAndCreator(ctx context.Context, agentID, createdBy uuid.UUID) (*models.Channel, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE agent_id = $1 AND created_by = $2 AND NOT is_deleted
		 ORDER BY created_at DESC LIMIT 1`, agentID, createdBy)
	return scanChannel(row)
}

// ListByUser returns the user's channels, most recently active first.
func (r *ChannelRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Channel, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE created_by = $1 AND NOT is_deleted
		 ORDER BY COALESCE(last_message_at, created_at) DESC`, userID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var channels []*models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return channels, translateError(rows.Err())
}

// Rename updates the channel name.
func (r *ChannelRepository) Rename(ctx context.Context, id uuid.UUID, name string) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE channels SET name = $2 WHERE id = $1 AND NOT is_deleted`, id, name)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the channel deleted.
func (r *ChannelRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE channels SET is_deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch bumps last_message_at.
func (r *ChannelRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE channels SET last_message_at = $2 WHERE id = $1`, id, at)
	return translateError(err)
}

// MessageRepository persists channel messages.
type MessageRepository struct {
	q Querier
}

const messageColumns = `id, channel_id, parent_id, user_id, content,
	is_ai_message, sources, steps, status, trace_id, created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var sources, steps []byte
	err := row.Scan(&m.ID, &m.ChannelID, &m.ParentID, &m.UserID, &m.Content,
		&m.IsAIMessage, &sources, &steps, &m.Status, &m.TraceID, &m.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	if err := json.Unmarshal(sources, &m.Sources); err != nil {
		return nil, fmt.Errorf("failed to parse sources: %w", err)
	}
	if err := json.Unmarshal(steps, &m.Steps); err != nil {
		return nil, fmt.Errorf("failed to parse steps: %w", err)
	}
	return &m, nil
}

// Create inserts a message row.
func (r *MessageRepository) Create(ctx context.Context, m *models.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	sources, err := json.Marshal(sliceOrEmpty(m.Sources))
	if err != nil {
		return fmt.Errorf("failed to serialize sources: %w", err)
	}
	steps, err := json.Marshal(sliceOrEmpty(m.Steps))
	if err != nil {
		return fmt.Errorf("failed to serialize steps: %w", err)
	}
	_, err = r.q.Exec(ctx,
		`INSERT INTO messages (id, channel_id, parent_id, user_id, content,
			is_ai_message, sources, steps, status, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.ChannelID, m.ParentID, m.UserID, m.Content,
		m.IsAIMessage, sources, steps, m.Status, m.TraceID, m.CreatedAt)
	return translateError(err)
}

// Update rewrites the streamed fields of a message.
func (r *MessageRepository) Update(ctx context.Context, m *models.Message) error {
	sources, err := json.Marshal(sliceOrEmpty(m.Sources))
	if err != nil {
		return fmt.Errorf("failed to serialize sources: %w", err)
	}
	steps, err := json.Marshal(sliceOrEmpty(m.Steps))
	if err != nil {
		return fmt.Errorf("failed to serialize steps: %w", err)
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE messages SET content = $2, sources = $3, steps = $4, status = $5,
			trace_id = $6
		 WHERE id = $1`,
		m.ID, m.Content, sources, steps, m.Status, m.TraceID)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID fetches one message.
func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// ListByChannel returns the channel history in creation order.
func (r *MessageRepository) ListByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE channel_id = $1 ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at`, channelID, limit)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var messages []*models.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, translateError(rows.Err())
}

// FeedbackRepository persists message scores. One row per (message, user);
// the trace feedback sink receives the same score keyed by trace id.
type FeedbackRepository struct {
	q Querier
}

// Upsert writes a score; a score of zero deletes the row.
func (r *FeedbackRepository) Upsert(ctx context.Context, f *models.Feedback) error {
	if f.Score == 0 {
		_, err := r.q.Exec(ctx,
			`DELETE FROM feedback WHERE message_id = $1 AND user_id = $2`,
			f.MessageID, f.UserID)
		return translateError(err)
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO feedback (id, message_id, user_id, score, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET
			score = EXCLUDED.score, comment = EXCLUDED.comment`,
		f.ID, f.MessageID, f.UserID, f.Score, f.Comment, f.CreatedAt)
	return translateError(err)
}

// GetByMessage returns a user's score on a message.
func (r *FeedbackRepository) GetByMessage(ctx context.Context, messageID, userID uuid.UUID) (*models.Feedback, error) {
	var f models.Feedback
	err := r.q.QueryRow(ctx,
		`SELECT id, message_id, user_id, score, comment, created_at
		 FROM feedback WHERE message_id = $1 AND user_id = $2`,
		messageID, userID).
		Scan(&f.ID, &f.MessageID, &f.UserID, &f.Score, &f.Comment, &f.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	return &f, nil
}
