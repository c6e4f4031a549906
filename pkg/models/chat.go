package models

import (
	"time"

	"github.com/google/uuid"
)

// Channel owns an ordered list of messages between one user and one agent.
type Channel struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	CreatedBy      uuid.UUID  `json:"created_by"`
	AgentID        *uuid.UUID `json:"agent_id,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// MessageStatus is the lifecycle of a message row. Streaming only appears
// while generation is live; terminal states are success and failure.
type MessageStatus string

const (
	MessageSuccess   MessageStatus = "success"
	MessageStreaming MessageStatus = "streaming"
	MessageFailure   MessageStatus = "failure"
)

// Message is one channel turn. An AI message always has a non-nil ParentID
// referencing the user message it answers.
type Message struct {
	ID          uuid.UUID        `json:"id"`
	ChannelID   uuid.UUID        `json:"channel_id"`
	ParentID    *uuid.UUID       `json:"parent_id,omitempty"`
	UserID      *uuid.UUID       `json:"user_id,omitempty"`
	Content     string           `json:"content"`
	IsAIMessage bool             `json:"is_ai_message"`
	Sources     []CitationSource `json:"sources,omitempty"`
	Steps       []Step           `json:"steps,omitempty"`
	Status      MessageStatus    `json:"status"`
	TraceID     string           `json:"trace_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NewUserMessage builds a user message row.
func NewUserMessage(content string, userID, channelID uuid.UUID, parentID *uuid.UUID) *Message {
	return &Message{
		ID:        uuid.New(),
		ChannelID: channelID,
		ParentID:  parentID,
		UserID:    &userID,
		Content:   content,
		Status:    MessageSuccess,
		CreatedAt: time.Now(),
	}
}

// NewAIMessageFor builds the streaming AI answer row parented to the given
// user message.
func NewAIMessageFor(user *Message) *Message {
	parentID := user.ID
	return &Message{
		ID:          uuid.New(),
		ChannelID:   user.ChannelID,
		ParentID:    &parentID,
		IsAIMessage: true,
		Status:      MessageStreaming,
		CreatedAt:   time.Now(),
	}
}

// ApplyStreamingChunk folds one chunk into the accumulated message: text is
// appended, sources are added once per display number, steps are extended.
func (m *Message) ApplyStreamingChunk(chunk StreamingChunk) {
	m.Content += chunk.Text
	for _, source := range chunk.Sources {
		if !m.hasSource(source.Number) {
			m.Sources = append(m.Sources, source)
		}
	}
	m.Steps = append(m.Steps, chunk.Steps...)
}

func (m *Message) hasSource(number int) bool {
	for _, s := range m.Sources {
		if s.Number == number {
			return true
		}
	}
	return false
}

// DeltaChunk is the view of the message yielded after each applied chunk: it
// carries only the newly streamed text but snapshots the accumulated sources
// and steps.
func (m *Message) DeltaChunk(chunk StreamingChunk) *Message {
	delta := *m
	delta.Content = chunk.Text
	delta.Sources = append([]CitationSource(nil), m.Sources...)
	delta.Steps = append([]Step(nil), m.Steps...)
	return &delta
}

// Feedback is a user score on an AI message, forwarded to the trace
// feedback sink. Score is -1, 0, or 1; 0 means deletion.
type Feedback struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
