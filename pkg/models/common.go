// Package models contains the domain entities and streaming value types
// shared across the catalog, chat, and ai services.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Step marks a phase of the agent chain surfaced to clients while streaming.
type Step string

const (
	StepFetchData      Step = "fetch_data"
	StepGenerateAnswer Step = "generate_answer"
)

// CitationSource describes one retrieved document surfaced as a citation.
// Number is the request-scoped display number assigned on first use.
type CitationSource struct {
	Number  int    `json:"number"`
	Label   string `json:"label"`
	Content string `json:"content"`
	Type    string `json:"type"`
	URL     string `json:"url,omitempty"`
	Page    int    `json:"page,omitempty"`
}

// StreamEvent is implemented by the values produced by the AI client stream:
// StreamingChunk for content and StreamingTrace for the trace attachment.
type StreamEvent interface {
	isStreamEvent()
}

// StreamingChunk carries one increment of assistant output: new text, any
// sources first cited in that text, and chain steps entered.
type StreamingChunk struct {
	Text    string           `json:"text"`
	Sources []CitationSource `json:"sources,omitempty"`
	Steps   []Step           `json:"steps,omitempty"`
}

func (StreamingChunk) isStreamEvent() {}

// ContentChunk builds a plain text chunk.
func ContentChunk(text string) StreamingChunk {
	return StreamingChunk{Text: text}
}

// SourcedChunk builds a text chunk carrying newly cited sources.
func SourcedChunk(text string, sources []CitationSource) StreamingChunk {
	return StreamingChunk{Text: text, Sources: sources}
}

// StepChunk builds a chunk announcing a chain step.
func StepChunk(step Step) StreamingChunk {
	return StreamingChunk{Steps: []Step{step}}
}

// StreamingTrace is emitted once per run and attaches observability data to
// the AI message. Durations are in seconds.
type StreamingTrace struct {
	TraceID          string  `json:"trace_id"`
	TraceURL         string  `json:"trace_url"`
	TotalDuration    float64 `json:"total_duration"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
}

func (StreamingTrace) isStreamEvent() {}

// ChatMessage is one turn of serialized chat history handed to the chain.
type ChatMessage struct {
	Content     string `json:"content"`
	IsAIMessage bool   `json:"is_ai_message"`
}

// ChatContext identifies the requesting user and tenancy for one chat run.
type ChatContext struct {
	Username       string
	UserID         uuid.UUID
	UserEmail      string
	OrganizationID uuid.UUID
	ChannelID      uuid.UUID
}

// TrainingPrompt is a question/answer hint supplied to the RAG step.
type TrainingPrompt struct {
	Message string   `json:"message"`
	Sources []string `json:"sources"`
}

// DataSourceKind partitions agent data sources into API-style integrations
// and warehouse-style connections.
type DataSourceKind string

const (
	DataSourceIntegration DataSourceKind = "integration"
	DataSourceConnection  DataSourceKind = "connection"
)

// DataSourceRef is the slice of a data source the chain needs: enough to
// derive the vector-store group name and, for connections, the SQL tool.
type DataSourceRef struct {
	ID        uuid.UUID      `json:"id"`
	Kind      DataSourceKind `json:"kind"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	GroupName string         `json:"group_name"`
}

// AgentInfo is the catalog view of an agent version consumed by the chat
// service and the agent chain.
type AgentInfo struct {
	ID              uuid.UUID        `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Instructions    string           `json:"instructions"`
	Knowledge       string           `json:"knowledge"`
	Greeting        string           `json:"greeting"`
	Avatar          string           `json:"avatar"`
	Subdomain       string           `json:"subdomain"`
	Starters        []string         `json:"starters"`
	IsDeleted       bool             `json:"is_deleted"`
	TrainingPrompts []TrainingPrompt `json:"training_prompts"`
	DataSources     []DataSourceRef  `json:"data_sources"`
}

// GroupNames returns the vector-store group name of every data source that
// has one. Warehouse connections carry no group; their data is reached
// through SQL tools instead of retrieval.
func (a *AgentInfo) GroupNames() []string {
	names := make([]string, 0, len(a.DataSources))
	for _, ds := range a.DataSources {
		if ds.GroupName != "" {
			names = append(names, ds.GroupName)
		}
	}
	return names
}

// SyncStatus tracks the ingest lifecycle of a data source.
type SyncStatus string

const (
	SyncStatusInitial SyncStatus = "initial"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// TaskState is the lifecycle of an externally queued ingest task.
type TaskState string

const (
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
	TaskSuccess TaskState = "success"
	TaskFailed  TaskState = "failed"
)

// Task records a unit of work handed to the external task queue for
// integration slugs without a native source.
type Task struct {
	ID          uuid.UUID `json:"id"`
	SourceID    uuid.UUID `json:"source_id"`
	QueueSystem string    `json:"queue_system"`
	ExternalID  string    `json:"external_id"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskResult is the queue-side status of a published task.
type TaskResult struct {
	State    TaskState  `json:"state"`
	DateDone *time.Time `json:"date_done,omitempty"`
}

// Running reports whether the task has neither finished nor failed.
func (r TaskResult) Running() bool {
	return r.State == TaskQueued || r.State == TaskRunning
}
