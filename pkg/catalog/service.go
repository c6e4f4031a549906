package catalog

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/ingest"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/secrets"
	"github.com/onyx-hq/onyx/pkg/store"
)

// ServiceName identifies the catalog service in logs.
const ServiceName = "catalog"

// Deps are the singletons the catalog service is wired with.
type Deps struct {
	Store      *store.Client
	Cipher     *secrets.Cipher
	Search     SearchClient
	Queue      TaskQueue
	Connectors *ConnectorRegistry
	Sources    SourceRegistry
	Ingest     *ingest.Controller
}

// NewService wires the catalog handlers onto a bus service. The returned
// service still needs a dispatcher and event bus bound before use.
func NewService(deps Deps) *bus.Service {
	s := bus.NewService(ServiceName)
	c := s.Container()

	bus.RegisterFactory(c, func(ctx context.Context) (*store.UnitOfWork, error) {
		return deps.Store.Begin(ctx)
	})
	bus.RegisterInstance[AgentSource](c, storeAgentSource{store: deps.Store})
	bus.RegisterInstance(c, deps.Cipher)
	bus.RegisterInstance(c, deps.Search)
	bus.RegisterInstance(c, deps.Queue)
	bus.RegisterInstance(c, deps.Connectors)
	bus.RegisterInstance(c, deps.Sources)
	bus.RegisterInstance(c, deps.Ingest)

	bus.HandleRequest(s, handleCreateAgent)
	bus.HandleRequest(s, handleUpdateAgentInfo)
	bus.HandleRequest(s, handleUpdateAgentKnowledge)
	bus.HandleRequest(s, handleUpdateAgentDataSources)
	bus.HandleRequest(s, handleCreateDevVersion)
	bus.HandleRequest(s, handleDiscardAgentChanges)
	bus.HandleRequest(s, handlePublishAgent)
	bus.HandleRequest(s, handleDeleteAgent)
	bus.HandleRequest(s, handleGetAgentInfo)
	bus.HandleRequest(s, handleGetAgentIDBySubdomain)
	bus.HandleRequest(s, handleListAgentsBySubdomains)

	bus.HandleRequest(s, handleCreateIntegration)
	bus.HandleRequest(s, handleCreateConnection)
	bus.HandleRequest(s, handleSyncIntegration)
	bus.HandleRequest(s, handleSyncConnection)
	bus.HandleRequest(s, handleUpdateIntegrationSyncState)
	bus.HandleRequest(s, handleUpdateConnectionSyncState)
	bus.HandleRequest(s, handleGetIngestTaskResult)

	bus.HandleEvent(s, handleAgentPublishedEvent)
	bus.HandleEvent(s, handleAgentDeletedEvent)

	return s
}

// AgentSource loads agents for the read-only event handlers that project
// catalog state into the search index.
type AgentSource interface {
	LoadAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
}

// storeAgentSource reads agents from the relational store, one short
// transaction per load.
type storeAgentSource struct {
	store *store.Client
}

func (s storeAgentSource) LoadAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback(ctx) }()
	return uow.Agents.GetByID(ctx, id)
}

// handleAgentPublishedEvent projects the freshly published version into the
// search index. Runs after the publishing transaction committed.
func handleAgentPublishedEvent(ctx context.Context, event AgentPublished, sc *bus.Scope) error {
	agents, err := bus.Resolve[AgentSource](ctx, sc)
	if err != nil {
		return err
	}
	search, err := bus.Resolve[SearchClient](ctx, sc)
	if err != nil {
		return err
	}
	agent, err := agents.LoadAgent(ctx, event.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Published agent vanished before indexing", "agent_id", event.AgentID)
		return nil
	}
	if err != nil {
		return err
	}
	if agent.IsDeleted {
		// A deleted agent never (re)enters the index.
		return nil
	}
	version := agent.PublishedVersion
	if version == nil {
		slog.Warn("Published agent has no published version", "agent_id", event.AgentID)
		return nil
	}
	doc := models.AgentDocument{
		ID:                   agent.ID,
		Name:                 version.Name,
		Description:          version.Description,
		ConversationStarters: version.Starters,
		Avatar:               version.Avatar,
		Subdomain:            version.Subdomain,
	}
	return search.IndexAgent(ctx, doc)
}

func handleAgentDeletedEvent(ctx context.Context, event AgentDeleted, sc *bus.Scope) error {
	search, err := bus.Resolve[SearchClient](ctx, sc)
	if err != nil {
		return err
	}
	return search.DeleteAgent(ctx, event.AgentID)
}
