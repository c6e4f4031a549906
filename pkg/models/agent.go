package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a persona plus data-source bundle users can chat with. It points
// at up to two rows of the agent_versions table: the published version served
// to end users and the dev version being edited. Only one side of each link
// is owned; the version rows never point back.
type Agent struct {
	ID                 uuid.UUID  `json:"id"`
	OrganizationID     uuid.UUID  `json:"organization_id"`
	IsDeleted          bool       `json:"is_deleted"`
	IsFeatured         bool       `json:"is_featured"`
	Weight             int        `json:"weight"`
	PublishedVersionID *uuid.UUID `json:"published_version_id,omitempty"`
	DevVersionID       *uuid.UUID `json:"dev_version_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	PublishedVersion *AgentVersion `json:"published_version,omitempty"`
	DevVersion       *AgentVersion `json:"dev_version,omitempty"`
}

// HasDevVersion reports whether a dev version is attached.
func (a *Agent) HasDevVersion() bool {
	return a.DevVersionID != nil && a.DevVersion != nil
}

// Version returns the published or dev version of the agent.
func (a *Agent) Version(published bool) *AgentVersion {
	if published {
		return a.PublishedVersion
	}
	return a.DevVersion
}

// AgentVersion is one immutable-ish snapshot of agent configuration.
type AgentVersion struct {
	ID            uuid.UUID      `json:"id"`
	AgentID       uuid.UUID      `json:"agent_id"`
	Name          string         `json:"name"`
	Instructions  string         `json:"instructions"`
	Description   string         `json:"description"`
	Avatar        string         `json:"avatar"`
	Greeting      string         `json:"greeting"`
	Subdomain     string         `json:"subdomain"`
	Knowledge     string         `json:"knowledge"`
	Starters      []string       `json:"starters"`
	IsPublished   bool           `json:"is_published"`
	AgentMetadata map[string]any `json:"agent_metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`

	Integrations []*Integration `json:"integrations,omitempty"`
	Connections  []*Connection  `json:"connections,omitempty"`
	Prompts      []*Prompt      `json:"prompts,omitempty"`
}

// Clone yields a new version with the same values, a fresh id, and cloned
// prompts. The caller persists both the version and the prompt copies.
func (v *AgentVersion) Clone() *AgentVersion {
	clone := *v
	clone.ID = uuid.New()
	clone.IsPublished = false
	clone.CreatedAt = time.Now()
	clone.Integrations = append([]*Integration(nil), v.Integrations...)
	clone.Connections = append([]*Connection(nil), v.Connections...)
	clone.Prompts = make([]*Prompt, 0, len(v.Prompts))
	for _, p := range v.Prompts {
		cp := *p
		cp.ID = uuid.New()
		cp.AgentVersionID = clone.ID
		clone.Prompts = append(clone.Prompts, &cp)
	}
	return &clone
}

// Prompt is a training prompt row attached to an agent version.
type Prompt struct {
	ID             uuid.UUID `json:"id"`
	AgentVersionID uuid.UUID `json:"agent_version_id"`
	Message        string    `json:"message"`
	Sources        []string  `json:"sources"`
	CreatedAt      time.Time `json:"created_at"`
}

// Namespace is a tenancy scope for vector-store data. The owner equals the
// organization for the shared namespace and the user for a private one.
type Namespace struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// AgentDocument is the search-index projection of a published agent.
type AgentDocument struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	ConversationStarters []string  `json:"conversation_starters"`
	Avatar               string    `json:"avatar"`
	Subdomain            string    `json:"subdomain"`
}
