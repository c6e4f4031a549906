package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/onyx-hq/onyx/pkg/models"
)

// SearchClient maintains the agent search index. Implementations are called
// from event handlers after the owning transaction committed, so a failed
// index write never rolls back catalog state.
type SearchClient interface {
	IndexAgent(ctx context.Context, doc models.AgentDocument) error
	DeleteAgent(ctx context.Context, agentID uuid.UUID) error
}

// RedisSearchClient stores agent documents as Redis hashes under a shared
// key prefix, one hash per agent.
type RedisSearchClient struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisSearchClient builds the index client on an existing Redis
// connection.
func NewRedisSearchClient(rdb redis.UniversalClient) *RedisSearchClient {
	return &RedisSearchClient{rdb: rdb, prefix: "agents:"}
}

func (c *RedisSearchClient) key(agentID uuid.UUID) string {
	return c.prefix + agentID.String()
}

// IndexAgent writes the full document, replacing any previous version.
func (c *RedisSearchClient) IndexAgent(ctx context.Context, doc models.AgentDocument) error {
	starters, err := json.Marshal(doc.ConversationStarters)
	if err != nil {
		return fmt.Errorf("failed to serialize starters: %w", err)
	}
	fields := map[string]any{
		"name":                  doc.Name,
		"description":           doc.Description,
		"conversation_starters": string(starters),
		"avatar":                doc.Avatar,
		"subdomain":             doc.Subdomain,
	}
	if err := c.rdb.HSet(ctx, c.key(doc.ID), fields).Err(); err != nil {
		return fmt.Errorf("failed to index agent %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteAgent drops the document. Deleting an agent that was never indexed
// is a no-op.
func (c *RedisSearchClient) DeleteAgent(ctx context.Context, agentID uuid.UUID) error {
	if err := c.rdb.Del(ctx, c.key(agentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete agent %s from index: %w", agentID, err)
	}
	return nil
}
