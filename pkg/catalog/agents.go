package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/store"
)

func loadAgent(ctx context.Context, uow *store.UnitOfWork, id uuid.UUID) (*models.Agent, error) {
	agent, err := uow.Agents.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if agent.IsDeleted {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return agent, nil
}

func devVersion(agent *models.Agent) (*models.AgentVersion, error) {
	if !agent.HasDevVersion() {
		return nil, fmt.Errorf("%w: agent %s has no dev version", ErrVersionNotFound, agent.ID)
	}
	return agent.DevVersion, nil
}

func handleCreateAgent(ctx context.Context, req CreateAgent, sc *bus.Scope) (*models.Agent, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agent := &models.Agent{OrganizationID: req.OrganizationID}
	if err := uow.Agents.Create(ctx, agent); err != nil {
		return nil, err
	}
	version := &models.AgentVersion{
		AgentID:      agent.ID,
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
	}
	if err := uow.Agents.CreateVersion(ctx, version); err != nil {
		return nil, err
	}
	if err := uow.Agents.SetVersionPointers(ctx, agent.ID, nil, &version.ID); err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	agent.DevVersionID = &version.ID
	agent.DevVersion = version
	sc.Events().Publish(AgentCreated{AgentID: agent.ID})
	return agent, nil
}

func handleUpdateAgentInfo(ctx context.Context, req UpdateAgentInfo, sc *bus.Scope) (*models.Agent, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agent, err := loadAgent(ctx, uow, req.AgentID)
	if err != nil {
		return nil, err
	}
	version, err := devVersion(agent)
	if err != nil {
		return nil, err
	}
	version.Name = req.Name
	version.Description = req.Description
	version.Avatar = req.Avatar
	version.Greeting = req.Greeting
	version.Subdomain = req.Subdomain
	version.Starters = req.Starters
	if err := uow.Agents.UpdateVersion(ctx, version); err != nil {
		return nil, err
	}
	return agent, uow.Commit(ctx)
}

func handleUpdateAgentKnowledge(ctx context.Context, req UpdateAgentKnowledge, sc *bus.Scope) (*models.Agent, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agent, err := loadAgent(ctx, uow, req.AgentID)
	if err != nil {
		return nil, err
	}
	version, err := devVersion(agent)
	if err != nil {
		return nil, err
	}
	version.Instructions = req.Instructions
	version.Knowledge = req.Knowledge
	if err := uow.Agents.UpdateVersion(ctx, version); err != nil {
		return nil, err
	}
	if err := uow.Agents.DeletePrompts(ctx, version.ID); err != nil {
		return nil, err
	}
	version.Prompts = version.Prompts[:0]
	for _, prompt := range req.Prompts {
		p := &models.Prompt{
			AgentVersionID: version.ID,
			Message:        prompt.Message,
			Sources:        prompt.Sources,
		}
		if err := uow.Agents.CreatePrompt(ctx, p); err != nil {
			return nil, err
		}
		version.Prompts = append(version.Prompts, p)
	}
	return agent, uow.Commit(ctx)
}

func handleUpdateAgentDataSources(ctx context.Context, req UpdateAgentDataSources, sc *bus.Scope) (*models.Agent, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agent, err := loadAgent(ctx, uow, req.AgentID)
	if err != nil {
		return nil, err
	}
	version, err := devVersion(agent)
	if err != nil {
		return nil, err
	}
	integrations, err := uow.Integrations.ListByIDs(ctx, req.IntegrationIDs)
	if err != nil {
		return nil, err
	}
	if len(integrations) != len(req.IntegrationIDs) {
		return nil, fmt.Errorf("%w: unknown integration id", ErrIntegrationNotFound)
	}
	connections, err := uow.Connections.ListByIDs(ctx, req.ConnectionIDs)
	if err != nil {
		return nil, err
	}
	if len(connections) != len(req.ConnectionIDs) {
		return nil, fmt.Errorf("%w: unknown connection id", ErrConnectionNotFound)
	}
	version.Integrations = integrations
	version.Connections = connections
	if err := uow.Agents.UpdateVersion(ctx, version); err != nil {
		return nil, err
	}
	return agent, uow.Commit(ctx)
}

// handleCreateDevVersion clones the published version so edits never touch
// what end users see. Idempotent when a dev version already exists.
func handleCreateDevVersion(ctx context.Context, req CreateDevVersion, sc *bus.Scope) (*models.Agent, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agent, err := loadAgent(ctx, uow, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.HasDevVersion() {
		return agent, uow.Commit(ctx)
	}
	if agent.PublishedVersion == nil {
		return nil, fmt.Errorf("%w: agent %s has no published version", ErrVersionNotFound, agent.ID)
	}
	clone := agent.PublishedVersion.Clone()
	if err := uow.Agents.CreateVersion(ctx, clone); err != nil {
		return nil, err
	}
	if err := uow.Agents.SetVersionPointers(ctx, agent.ID, agent.PublishedVersionID, &clone.ID); err != nil {
		return nil, err
	}
	agent.DevVersionID = &clone.ID
	agent.DevVersion = clone
	return agent, uow.Commit(ctx)
}

// handleDiscardAgentChanges drops the dev version and replaces it with a
// fresh clone of the published one.
func handleDiscardAgentChanges(ctx context.Context, req DiscardAgentChanges, sc *bus.Scope) (*models.Agent, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agent, err := loadAgent(ctx, uow, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.PublishedVersion == nil {
		return nil, fmt.Errorf("%w: agent %s has no published version", ErrVersionNotFound, agent.ID)
	}
	if agent.DevVersionID != nil {
		if err := uow.Agents.DeleteVersion(ctx, *agent.DevVersionID); err != nil {
			return nil, err
		}
	}
	clone := agent.PublishedVersion.Clone()
	if err := uow.Agents.CreateVersion(ctx, clone); err != nil {
		return nil, err
	}
	if err := uow.Agents.SetVersionPointers(ctx, agent.ID, agent.PublishedVersionID, &clone.ID); err != nil {
		return nil, err
	}
	agent.DevVersionID = &clone.ID
	agent.DevVersion = clone
	return agent, uow.Commit(ctx)
}

// handlePublishAgent promotes the dev version. The previous published row is
// kept but unflagged; the dev slot empties until the next CreateDevVersion.
func handlePublishAgent(ctx context.Context, req PublishAgent, sc *bus.Scope) (*models.Agent, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agent, err := loadAgent(ctx, uow, req.AgentID)
	if err != nil {
		return nil, err
	}
	version, err := devVersion(agent)
	if err != nil {
		return nil, err
	}
	if agent.PublishedVersion != nil {
		agent.PublishedVersion.IsPublished = false
		if err := uow.Agents.UpdateVersion(ctx, agent.PublishedVersion); err != nil {
			return nil, err
		}
	}
	version.IsPublished = true
	if err := uow.Agents.UpdateVersion(ctx, version); err != nil {
		return nil, err
	}
	if err := uow.Agents.SetVersionPointers(ctx, agent.ID, &version.ID, nil); err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	agent.PublishedVersionID = &version.ID
	agent.PublishedVersion = version
	agent.DevVersionID = nil
	agent.DevVersion = nil
	sc.Events().Publish(AgentPublished{AgentID: agent.ID})
	return agent, nil
}

func handleDeleteAgent(ctx context.Context, req DeleteAgent, sc *bus.Scope) (uuid.UUID, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return uuid.Nil, err
	}
	if err := uow.Agents.SoftDelete(ctx, req.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrAgentNotFound, req.AgentID)
		}
		return uuid.Nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	sc.Events().Publish(AgentDeleted{AgentID: req.AgentID})
	return req.AgentID, nil
}

func handleGetAgentInfo(ctx context.Context, req GetAgentInfo, sc *bus.Scope) (*models.AgentInfo, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agent, err := uow.Agents.GetByID(ctx, req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, req.AgentID)
	}
	if err != nil {
		return nil, err
	}
	version := agent.Version(req.Published)
	if version == nil {
		return nil, fmt.Errorf("%w: agent %s", ErrVersionNotFound, agent.ID)
	}
	info, err := buildAgentInfo(ctx, uow, agent, version)
	if err != nil {
		return nil, err
	}
	return info, uow.Commit(ctx)
}

// buildAgentInfo resolves the version's data-source references into the
// chain-facing view. Integrations carry a vector-store group; connections
// are reached through SQL tools and carry none.
func buildAgentInfo(ctx context.Context, uow *store.UnitOfWork, agent *models.Agent, version *models.AgentVersion) (*models.AgentInfo, error) {
	integrationIDs := make([]uuid.UUID, 0, len(version.Integrations))
	for _, integration := range version.Integrations {
		integrationIDs = append(integrationIDs, integration.ID)
	}
	connectionIDs := make([]uuid.UUID, 0, len(version.Connections))
	for _, connection := range version.Connections {
		connectionIDs = append(connectionIDs, connection.ID)
	}
	integrations, err := uow.Integrations.ListByIDs(ctx, integrationIDs)
	if err != nil {
		return nil, err
	}
	connections, err := uow.Connections.ListByIDs(ctx, connectionIDs)
	if err != nil {
		return nil, err
	}

	sources := make([]models.DataSourceRef, 0, len(integrations)+len(connections))
	for _, integration := range integrations {
		sources = append(sources, models.DataSourceRef{
			ID:        integration.ID,
			Kind:      models.DataSourceIntegration,
			Slug:      integration.Slug,
			Name:      integration.Name,
			GroupName: integration.GroupName(),
		})
	}
	for _, connection := range connections {
		sources = append(sources, models.DataSourceRef{
			ID:   connection.ID,
			Kind: models.DataSourceConnection,
			Slug: connection.Slug,
			Name: connection.Name,
		})
	}
	prompts := make([]models.TrainingPrompt, 0, len(version.Prompts))
	for _, prompt := range version.Prompts {
		prompts = append(prompts, models.TrainingPrompt{
			Message: prompt.Message,
			Sources: prompt.Sources,
		})
	}
	return &models.AgentInfo{
		ID:              agent.ID,
		Name:            version.Name,
		Description:     version.Description,
		Instructions:    version.Instructions,
		Knowledge:       version.Knowledge,
		Greeting:        version.Greeting,
		Avatar:          version.Avatar,
		Subdomain:       version.Subdomain,
		Starters:        version.Starters,
		IsDeleted:       agent.IsDeleted,
		TrainingPrompts: prompts,
		DataSources:     sources,
	}, nil
}

func handleListAgentsBySubdomains(ctx context.Context, req ListAgentsBySubdomains, sc *bus.Scope) ([]*models.AgentInfo, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	ids, err := uow.Agents.GetIDsBySubdomains(ctx, req.Subdomains)
	if err != nil {
		return nil, err
	}
	infos := make([]*models.AgentInfo, 0, len(ids))
	for _, subdomain := range req.Subdomains {
		id, ok := ids[subdomain]
		if !ok {
			continue
		}
		agent, err := uow.Agents.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if agent.PublishedVersion == nil {
			continue
		}
		info, err := buildAgentInfo(ctx, uow, agent, agent.PublishedVersion)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, uow.Commit(ctx)
}

func handleGetAgentIDBySubdomain(ctx context.Context, req GetAgentIDBySubdomain, sc *bus.Scope) (uuid.UUID, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uow.Agents.GetIDBySubdomain(ctx, req.Subdomain)
	if errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("%w: subdomain %q", ErrAgentNotFound, req.Subdomain)
	}
	if err != nil {
		return uuid.Nil, err
	}
	return id, uow.Commit(ctx)
}
