package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/onyx-hq/onyx/pkg/models"
)

// AgentRepository persists agents, their versions, and training prompts.
type AgentRepository struct {
	q Querier
}

const agentColumns = `id, organization_id, is_deleted, is_featured, weight,
	published_version_id, dev_version_id, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.OrganizationID, &a.IsDeleted, &a.IsFeatured, &a.Weight,
		&a.PublishedVersionID, &a.DevVersionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	return &a, nil
}

// Create inserts an agent row.
func (r *AgentRepository) Create(ctx context.Context, a *models.Agent) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
		a.UpdatedAt = now
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO agents (id, organization_id, is_deleted, is_featured, weight,
			published_version_id, dev_version_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.OrganizationID, a.IsDeleted, a.IsFeatured, a.Weight,
		a.PublishedVersionID, a.DevVersionID, a.CreatedAt, a.UpdatedAt)
	return translateError(err)
}

// GetByID fetches an agent with both version rows loaded.
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	row := r.q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadVersions(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (r *AgentRepository) loadVersions(ctx context.Context, agent *models.Agent) error {
	if agent.PublishedVersionID != nil {
		version, err := r.GetVersion(ctx, *agent.PublishedVersionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		agent.PublishedVersion = version
	}
	if agent.DevVersionID != nil {
		version, err := r.GetVersion(ctx, *agent.DevVersionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		agent.DevVersion = version
	}
	return nil
}

// List returns the organization's live agents ordered by weight.
func (r *AgentRepository) List(ctx context.Context, organizationID uuid.UUID) ([]*models.Agent, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE organization_id = $1 AND NOT is_deleted
		 ORDER BY weight DESC, created_at`, organizationID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, translateError(rows.Err())
}

// SetVersionPointers updates the published/dev links.
func (r *AgentRepository) SetVersionPointers(ctx context.Context, agentID uuid.UUID, publishedID, devID *uuid.UUID) error {
	_, err := r.q.Exec(ctx,
		`UPDATE agents SET published_version_id = $2, dev_version_id = $3, updated_at = now()
		 WHERE id = $1`, agentID, publishedID, devID)
	return translateError(err)
}

// GetIDBySubdomain resolves a published subdomain to its agent.
func (r *AgentRepository) GetIDBySubdomain(ctx context.Context, subdomain string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.q.QueryRow(ctx,
		`SELECT a.id FROM agents a
		 JOIN agent_versions v ON v.id = a.published_version_id
		 WHERE v.subdomain = $1 AND NOT a.is_deleted`, subdomain).Scan(&id)
	if err != nil {
		return uuid.Nil, translateError(err)
	}
	return id, nil
}

// GetIDsBySubdomains resolves published subdomains to agent ids. Unknown
// subdomains are simply absent from the result.
func (r *AgentRepository) GetIDsBySubdomains(ctx context.Context, subdomains []string) (map[string]uuid.UUID, error) {
	if len(subdomains) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx,
		`SELECT v.subdomain, a.id FROM agents a
		 JOIN agent_versions v ON v.id = a.published_version_id
		 WHERE v.subdomain = ANY($1) AND NOT a.is_deleted`, subdomains)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	ids := make(map[string]uuid.UUID, len(subdomains))
	for rows.Next() {
		var subdomain string
		var id uuid.UUID
		if err := rows.Scan(&subdomain, &id); err != nil {
			return nil, translateError(err)
		}
		ids[subdomain] = id
	}
	return ids, translateError(rows.Err())
}

// SoftDelete marks the agent deleted. Callers also remove it from the
// search index.
func (r *AgentRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE agents SET is_deleted = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const versionColumns = `id, agent_id, name, instructions, description, avatar,
	greeting, subdomain, knowledge, starters, is_published, agent_metadata,
	integration_ids, connection_ids, created_at`

// CreateVersion inserts a version row plus its prompts.
func (r *AgentRepository) CreateVersion(ctx context.Context, v *models.AgentVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	starters, err := json.Marshal(sliceOrEmpty(v.Starters))
	if err != nil {
		return fmt.Errorf("failed to serialize starters: %w", err)
	}
	metadata, err := json.Marshal(mapOrEmpty(v.AgentMetadata))
	if err != nil {
		return fmt.Errorf("failed to serialize agent metadata: %w", err)
	}
	integrationIDs, connectionIDs := versionSourceIDs(v)
	integrations, _ := json.Marshal(integrationIDs)
	connections, _ := json.Marshal(connectionIDs)

	_, err = r.q.Exec(ctx,
		`INSERT INTO agent_versions (id, agent_id, name, instructions, description,
			avatar, greeting, subdomain, knowledge, starters, is_published,
			agent_metadata, integration_ids, connection_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		v.ID, v.AgentID, v.Name, v.Instructions, v.Description,
		v.Avatar, v.Greeting, v.Subdomain, v.Knowledge, starters, v.IsPublished,
		metadata, integrations, connections, v.CreatedAt)
	if err != nil {
		return translateError(err)
	}
	for _, prompt := range v.Prompts {
		prompt.AgentVersionID = v.ID
		if err := r.CreatePrompt(ctx, prompt); err != nil {
			return err
		}
	}
	return nil
}

func versionSourceIDs(v *models.AgentVersion) ([]uuid.UUID, []uuid.UUID) {
	integrationIDs := make([]uuid.UUID, 0, len(v.Integrations))
	for _, integration := range v.Integrations {
		integrationIDs = append(integrationIDs, integration.ID)
	}
	connectionIDs := make([]uuid.UUID, 0, len(v.Connections))
	for _, connection := range v.Connections {
		connectionIDs = append(connectionIDs, connection.ID)
	}
	return integrationIDs, connectionIDs
}

// GetVersion fetches one version with its prompts. Integrations and
// connections are loaded separately by the caller's repositories.
func (r *AgentRepository) GetVersion(ctx context.Context, id uuid.UUID) (*models.AgentVersion, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE id = $1`, id)
	version, integrationIDs, connectionIDs, err := scanVersion(row)
	if err != nil {
		return nil, err
	}
	version.Integrations = integrationRefs(integrationIDs)
	version.Connections = connectionRefs(connectionIDs)
	prompts, err := r.ListPrompts(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	version.Prompts = prompts
	return version, nil
}

func scanVersion(row pgx.Row) (*models.AgentVersion, []uuid.UUID, []uuid.UUID, error) {
	var v models.AgentVersion
	var starters, metadata, integrations, connections []byte
	err := row.Scan(&v.ID, &v.AgentID, &v.Name, &v.Instructions, &v.Description,
		&v.Avatar, &v.Greeting, &v.Subdomain, &v.Knowledge, &starters, &v.IsPublished,
		&metadata, &integrations, &connections, &v.CreatedAt)
	if err != nil {
		return nil, nil, nil, translateError(err)
	}
	if err := json.Unmarshal(starters, &v.Starters); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse starters: %w", err)
	}
	if err := json.Unmarshal(metadata, &v.AgentMetadata); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse agent metadata: %w", err)
	}
	var integrationIDs, connectionIDs []uuid.UUID
	if err := json.Unmarshal(integrations, &integrationIDs); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse integration ids: %w", err)
	}
	if err := json.Unmarshal(connections, &connectionIDs); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse connection ids: %w", err)
	}
	return &v, integrationIDs, connectionIDs, nil
}

func integrationRefs(ids []uuid.UUID) []*models.Integration {
	refs := make([]*models.Integration, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, &models.Integration{ID: id})
	}
	return refs
}

func connectionRefs(ids []uuid.UUID) []*models.Connection {
	refs := make([]*models.Connection, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, &models.Connection{ID: id})
	}
	return refs
}

// UpdateVersion rewrites the mutable fields of a version row.
func (r *AgentRepository) UpdateVersion(ctx context.Context, v *models.AgentVersion) error {
	starters, err := json.Marshal(sliceOrEmpty(v.Starters))
	if err != nil {
		return fmt.Errorf("failed to serialize starters: %w", err)
	}
	metadata, err := json.Marshal(mapOrEmpty(v.AgentMetadata))
	if err != nil {
		return fmt.Errorf("failed to serialize agent metadata: %w", err)
	}
	integrationIDs, connectionIDs := versionSourceIDs(v)
	integrations, _ := json.Marshal(integrationIDs)
	connections, _ := json.Marshal(connectionIDs)

	tag, err := r.q.Exec(ctx,
		`UPDATE agent_versions SET name = $2, instructions = $3, description = $4,
			avatar = $5, greeting = $6, subdomain = $7, knowledge = $8, starters = $9,
			is_published = $10, agent_metadata = $11, integration_ids = $12,
			connection_ids = $13
		 WHERE id = $1`,
		v.ID, v.Name, v.Instructions, v.Description,
		v.Avatar, v.Greeting, v.Subdomain, v.Knowledge, starters,
		v.IsPublished, metadata, integrations, connections)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteVersion removes a version row and its prompts. Used when a dev
// version is discarded and replaced by a fresh clone.
func (r *AgentRepository) DeleteVersion(ctx context.Context, id uuid.UUID) error {
	if err := r.DeletePrompts(ctx, id); err != nil {
		return err
	}
	_, err := r.q.Exec(ctx, `DELETE FROM agent_versions WHERE id = $1`, id)
	return translateError(err)
}

// DeletePrompts removes every training prompt of a version.
func (r *AgentRepository) DeletePrompts(ctx context.Context, versionID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM prompts WHERE agent_version_id = $1`, versionID)
	return translateError(err)
}

// CreatePrompt inserts one training prompt.
func (r *AgentRepository) CreatePrompt(ctx context.Context, p *models.Prompt) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	sources, err := json.Marshal(sliceOrEmpty(p.Sources))
	if err != nil {
		return fmt.Errorf("failed to serialize prompt sources: %w", err)
	}
	_, err = r.q.Exec(ctx,
		`INSERT INTO prompts (id, agent_version_id, message, sources, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.AgentVersionID, p.Message, sources, p.CreatedAt)
	return translateError(err)
}

// ListPrompts returns a version's prompts in creation order.
func (r *AgentRepository) ListPrompts(ctx context.Context, versionID uuid.UUID) ([]*models.Prompt, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, agent_version_id, message, sources, created_at
		 FROM prompts WHERE agent_version_id = $1 ORDER BY created_at`, versionID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var prompts []*models.Prompt
	for rows.Next() {
		var p models.Prompt
		var sources []byte
		if err := rows.Scan(&p.ID, &p.AgentVersionID, &p.Message, &sources, &p.CreatedAt); err != nil {
			return nil, translateError(err)
		}
		if err := json.Unmarshal(sources, &p.Sources); err != nil {
			return nil, fmt.Errorf("failed to parse prompt sources: %w", err)
		}
		prompts = append(prompts, &p)
	}
	return prompts, translateError(rows.Err())
}

func sliceOrEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
