package catalog

import (
	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/models"
)

// Agent commands.

// CreateAgent creates an agent with a fresh dev version.
type CreateAgent struct {
	OrganizationID uuid.UUID
	Name           string
	Description    string
	Instructions   string
}

// UpdateAgentInfo rewrites the presentation fields of the dev version.
type UpdateAgentInfo struct {
	AgentID     uuid.UUID
	Name        string
	Description string
	Avatar      string
	Greeting    string
	Subdomain   string
	Starters    []string
}

// UpdateAgentKnowledge rewrites the behavior fields of the dev version.
type UpdateAgentKnowledge struct {
	AgentID      uuid.UUID
	Instructions string
	Knowledge    string
	Prompts      []models.TrainingPrompt
}

// UpdateAgentDataSources rebinds the dev version's data sources.
type UpdateAgentDataSources struct {
	AgentID        uuid.UUID
	IntegrationIDs []uuid.UUID
	ConnectionIDs  []uuid.UUID
}

// CreateDevVersion clones the published version into a new dev version.
type CreateDevVersion struct {
	AgentID uuid.UUID
}

// DiscardAgentChanges replaces the dev version with a fresh clone of the
// published one.
type DiscardAgentChanges struct {
	AgentID uuid.UUID
}

// PublishAgent promotes the dev version to published.
type PublishAgent struct {
	AgentID uuid.UUID
}

// DeleteAgent soft-deletes the agent and drops it from the search index.
type DeleteAgent struct {
	AgentID uuid.UUID
}

// Agent queries.

// GetAgentInfo loads the chain-facing view of an agent version.
type GetAgentInfo struct {
	AgentID   uuid.UUID
	Published bool
}

// GetAgentIDBySubdomain resolves a published subdomain to its agent.
type GetAgentIDBySubdomain struct {
	Subdomain string
}

// ListAgentsBySubdomains loads the published view of every agent behind the
// given subdomains. Unknown subdomains are skipped.
type ListAgentsBySubdomains struct {
	Subdomains []string
}

// Data source commands.

// CreateIntegration registers an API-style data source. Configuration is
// encrypted at rest; non-native slugs are handed to the external task
// queue.
type CreateIntegration struct {
	OrganizationID uuid.UUID
	CreatedBy      uuid.UUID
	Name           string
	Slug           string
	Configuration  map[string]any
}

// CreateConnection registers a warehouse-style data source.
type CreateConnection struct {
	OrganizationID uuid.UUID
	CreatedBy      uuid.UUID
	Name           string
	Slug           string
	Configuration  map[string]any
}

// SyncIntegration runs one ingest for the integration. Native slugs run the
// controller in-process; others are re-queued.
type SyncIntegration struct {
	IntegrationID uuid.UUID
}

// SyncConnection refreshes the connection's table metadata under the row
// lock.
type SyncConnection struct {
	ConnectionID uuid.UUID
}

// UpdateIntegrationSyncState records an externally reported sync outcome.
type UpdateIntegrationSyncState struct {
	IntegrationID uuid.UUID
	Error         *string
}

// UpdateConnectionSyncState records an externally reported sync outcome.
type UpdateConnectionSyncState struct {
	ConnectionID uuid.UUID
	Error        *string
}

// GetIngestTaskResult reports the queue-side state of the integration's
// latest published task.
type GetIngestTaskResult struct {
	IntegrationID uuid.UUID
}

// Events.

// AgentCreated is published after a new agent row is committed.
type AgentCreated struct {
	AgentID uuid.UUID
}

// AgentPublished is published after a version goes live; subscribers index
// the agent for search.
type AgentPublished struct {
	AgentID uuid.UUID
}

// AgentDeleted is published after a soft delete; subscribers drop the
// search document.
type AgentDeleted struct {
	AgentID uuid.UUID
}

// IntegrationCreated is published after an integration row is committed.
type IntegrationCreated struct {
	IntegrationID uuid.UUID
	Slug          string
}
