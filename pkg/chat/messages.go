package chat

import (
	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/models"
)

// ChatWithAI asks the agent bound to a channel to answer Content. The
// response is a stream of message views: the user message once, then one
// delta per applied chunk. Supplying AnswerID regenerates an existing
// answer in place instead of creating new rows.
type ChatWithAI struct {
	ChannelID uuid.UUID
	Content   string
	Context   models.ChatContext
	AnswerID  *uuid.UUID
}

// PreviewWithAI runs the chain against an agent version without persisting
// anything. Previews of unpublished versions cite sources; published ones
// mirror what end users get.
type PreviewWithAI struct {
	AgentID   uuid.UUID
	Content   string
	Context   models.ChatContext
	History   []models.ChatMessage
	Published bool
}

// CreateChannel opens a conversation with an agent. Idempotent per
// (agent, creator): an existing live channel is returned instead of a new
// one.
type CreateChannel struct {
	OrganizationID uuid.UUID
	CreatedBy      uuid.UUID
	AgentID        uuid.UUID
	Name           string
}

// RenameChannel updates the channel name.
type RenameChannel struct {
	ChannelID uuid.UUID
	Name      string
}

// DeleteChannel soft-deletes the channel.
type DeleteChannel struct {
	ChannelID uuid.UUID
}

// ListMessages returns the channel history, oldest first.
type ListMessages struct {
	ChannelID uuid.UUID
}

// SavePreview persists a preview conversation as a fresh channel.
type SavePreview struct {
	OrganizationID uuid.UUID
	CreatedBy      uuid.UUID
	AgentID        uuid.UUID
	Name           string
	Messages       []models.ChatMessage
}

// SubmitFeedback scores an AI message. Score 0 removes a previous score.
// The score is mirrored to the trace sink keyed by the message's trace id.
type SubmitFeedback struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	Score     int
	Comment   string
}

// Events.

// StreamFinished is published after every chat run, success or failure,
// once the message rows are committed.
type StreamFinished struct {
	ChannelID        uuid.UUID
	MessageID        uuid.UUID
	Status           models.MessageStatus
	TraceID          string
	TotalDuration    float64
	TimeToFirstToken float64
}

// PreviewedWithAI is published after a preview run completes.
type PreviewedWithAI struct {
	AgentID uuid.UUID
	UserID  uuid.UUID
}
