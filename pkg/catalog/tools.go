package catalog

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/ai"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/secrets"
	"github.com/onyx-hq/onyx/pkg/store"
)

// SQLToolProvider gives the agent chain one SQL tool per warehouse
// connection bound to the agent.
type SQLToolProvider struct {
	store      *store.Client
	cipher     *secrets.Cipher
	connectors *ConnectorRegistry
}

// NewSQLToolProvider wires the provider.
func NewSQLToolProvider(st *store.Client, cipher *secrets.Cipher, connectors *ConnectorRegistry) *SQLToolProvider {
	return &SQLToolProvider{store: st, cipher: cipher, connectors: connectors}
}

// ToolsFor builds the tools for one chain run. Connections whose slug has
// no connector are skipped with a warning instead of failing the chat.
func (p *SQLToolProvider) ToolsFor(ctx context.Context, agent *models.AgentInfo) ([]ai.Tool, error) {
	ids := make([]uuid.UUID, 0, len(agent.DataSources))
	for _, source := range agent.DataSources {
		if source.Kind == models.DataSourceConnection {
			ids = append(ids, source.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	uow, err := p.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback(ctx) }()
	connections, err := uow.Connections.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	tools := make([]ai.Tool, 0, len(connections))
	for _, connection := range connections {
		if _, ok := p.connectors.factories[connection.Slug]; !ok {
			slog.Warn("No connector for connection slug, skipping tool",
				"connection_id", connection.ID, "slug", connection.Slug)
			continue
		}
		configuration, err := p.cipher.DecryptMap([]byte(connection.Configuration))
		if err != nil {
			return nil, err
		}
		connector := &lazyConnector{
			registry:      p.connectors,
			slug:          connection.Slug,
			configuration: configuration,
		}
		tools = append(tools, ai.NewSQLTool(connection, connector))
	}
	return tools, nil
}

// lazyConnector opens the underlying connector per call and closes it when
// the call finishes, so tools built for one chat turn hold no connections
// between uses.
type lazyConnector struct {
	registry      *ConnectorRegistry
	slug          string
	configuration map[string]any
}

func (l *lazyConnector) with(ctx context.Context, fn func(Connector) error) error {
	connector, err := l.registry.Open(ctx, l.slug, l.configuration)
	if err != nil {
		return err
	}
	defer connector.Close()
	return fn(connector)
}

func (l *lazyConnector) TestConnection(ctx context.Context) error {
	return l.with(ctx, func(c Connector) error {
		return c.TestConnection(ctx)
	})
}

func (l *lazyConnector) GetTables(ctx context.Context) ([]models.TableInfo, error) {
	var tables []models.TableInfo
	err := l.with(ctx, func(c Connector) error {
		var innerErr error
		tables, innerErr = c.GetTables(ctx)
		return innerErr
	})
	return tables, err
}

func (l *lazyConnector) Query(ctx context.Context, query string) (string, error) {
	var result string
	err := l.with(ctx, func(c Connector) error {
		var innerErr error
		result, innerErr = c.Query(ctx, query)
		return innerErr
	})
	return result, err
}
