package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onyx-hq/onyx/pkg/ai"
	"github.com/onyx-hq/onyx/pkg/models"
)

// queryRowLimit caps how many rows a warehouse query returns to the model.
const queryRowLimit = 100

// Connector extends the chain-facing warehouse surface with a lifecycle:
// callers open one per operation and close it when done.
type Connector interface {
	ai.Connector
	Close()
}

// ConnectorFactory opens a connector from decrypted configuration.
type ConnectorFactory func(ctx context.Context, configuration map[string]any) (Connector, error)

// ConnectorRegistry maps connection slugs to their factories.
type ConnectorRegistry struct {
	factories map[string]ConnectorFactory
}

// NewConnectorRegistry returns a registry with the built-in connectors.
func NewConnectorRegistry() *ConnectorRegistry {
	r := &ConnectorRegistry{factories: make(map[string]ConnectorFactory)}
	r.Register("postgres", openPostgres)
	return r
}

// Register binds a factory to a slug, replacing any previous binding.
func (r *ConnectorRegistry) Register(slug string, factory ConnectorFactory) {
	r.factories[slug] = factory
}

// Open builds a connector for the slug. Unknown slugs fail with
// ErrSourceNotSupported.
func (r *ConnectorRegistry) Open(ctx context.Context, slug string, configuration map[string]any) (Connector, error) {
	factory, ok := r.factories[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotSupported, slug)
	}
	return factory(ctx, configuration)
}

// postgresConnector serves warehouse queries over a pgx pool.
type postgresConnector struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, configuration map[string]any) (Connector, error) {
	dsn, _ := configuration["dsn"].(string)
	if dsn == "" {
		return nil, fmt.Errorf("postgres connector requires a dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	return &postgresConnector{pool: pool}, nil
}

func (c *postgresConnector) Close() {
	c.pool.Close()
}

func (c *postgresConnector) TestConnection(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// GetTables lists the user tables with their columns from the catalog.
func (c *postgresConnector) GetTables(ctx context.Context) ([]models.TableInfo, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT table_schema, table_name, column_name, data_type
		 FROM information_schema.columns
		 WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		 ORDER BY table_schema, table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []models.TableInfo
	index := make(map[string]int)
	for rows.Next() {
		var schema, table, column, dataType string
		if err := rows.Scan(&schema, &table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan table metadata: %w", err)
		}
		identity := schema + "." + table
		i, ok := index[identity]
		if !ok {
			i = len(tables)
			index[identity] = i
			tables = append(tables, models.TableInfo{Identity: identity, Name: table})
		}
		tables[i].Columns = append(tables[i].Columns, models.ColumnInfo{Name: column, Type: dataType})
	}
	return tables, rows.Err()
}

// Query runs the statement and returns the rows as a JSON array of objects,
// capped at queryRowLimit rows.
func (c *postgresConnector) Query(ctx context.Context, query string) (string, error) {
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	results := make([]map[string]any, 0, 16)
	for rows.Next() && len(results) < queryRowLimit {
		values, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("failed to read row: %w", err)
		}
		record := make(map[string]any, len(fields))
		for i, field := range fields {
			record[field.Name] = values[i]
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	serialized, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to serialize rows: %w", err)
	}
	return string(serialized), nil
}
