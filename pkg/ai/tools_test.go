package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onyx-hq/onyx/pkg/models"
)

func TestToolRegistryRejectsDuplicateNames(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(&recordingTool{name: "query_sales"}))
	err := registry.Register(&recordingTool{name: "query_sales"})
	require.ErrorContains(t, err, "already registered")
}

func TestToolRegistrySpecsPreserveRegistrationOrder(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(&recordingTool{name: "b"}))
	require.NoError(t, registry.Register(&recordingTool{name: "a"}))

	specs := registry.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "b", specs[0].Name)
	assert.Equal(t, "a", specs[1].Name)
}

func TestToolRegistryRunUnknownToolReturnsMessage(t *testing.T) {
	registry := NewToolRegistry()
	result := registry.Run(context.Background(), "missing", "{}")
	assert.Contains(t, result, `"missing" is not available`)
}

type panickingTool struct{}

func (panickingTool) Name() string               { return "boom" }
func (panickingTool) Description() string        { return "" }
func (panickingTool) Parameters() map[string]any { return nil }
func (panickingTool) Run(ctx context.Context, arguments string) string {
	panic("bad state")
}

func TestToolRegistryRunRecoversPanics(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(panickingTool{}))
	result := registry.Run(context.Background(), "boom", "{}")
	assert.Contains(t, result, "failed")
	assert.Contains(t, result, "bad state")
}

type fakeConnector struct {
	query  string
	result string
	err    error
}

func (c *fakeConnector) TestConnection(ctx context.Context) error { return nil }

func (c *fakeConnector) GetTables(ctx context.Context) ([]models.TableInfo, error) {
	return nil, nil
}

func (c *fakeConnector) Query(ctx context.Context, query string) (string, error) {
	c.query = query
	return c.result, c.err
}

func TestSQLToolNameDerivesFromConnection(t *testing.T) {
	tool := NewSQLTool(&models.Connection{Name: "Sales Warehouse"}, &fakeConnector{})
	assert.Equal(t, "query_sales_warehouse", tool.Name())
}

func TestSQLToolRunsQuery(t *testing.T) {
	connector := &fakeConnector{result: "3 rows"}
	tool := NewSQLTool(&models.Connection{Name: "sales"}, connector)

	result := tool.Run(context.Background(), `{"query":"select count(*) from orders"}`)
	assert.Equal(t, "3 rows", result)
	assert.Equal(t, "select count(*) from orders", connector.query)
}

func TestSQLToolReportsFailuresAsText(t *testing.T) {
	tool := NewSQLTool(&models.Connection{Name: "sales"},
		&fakeConnector{err: errors.New("relation does not exist")})

	assert.Contains(t, tool.Run(context.Background(), `{"query":"select 1"}`),
		"relation does not exist")
	assert.Contains(t, tool.Run(context.Background(), `not json`), "Invalid tool arguments")
	assert.Equal(t, "No query provided.", tool.Run(context.Background(), `{}`))
}
