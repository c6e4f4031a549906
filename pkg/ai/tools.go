package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/onyx-hq/onyx/pkg/models"
)

// Tool is one model-callable function. Run never returns an error: failures
// come back as descriptive strings so the stream can continue.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Run(ctx context.Context, arguments string) string
}

// ToolRegistry holds the tools available to one chain build. Registration
// happens per request during the build; there is no concurrent mutation.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are unique; duplicates fail.
func (r *ToolRegistry) Register(tool Tool) error {
	if _, dup := r.tools[tool.Name()]; dup {
		return fmt.Errorf("tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	r.order = append(r.order, tool.Name())
	return nil
}

// Get returns the named tool, or a stub whose Run reports the miss.
func (r *ToolRegistry) Get(name string) Tool {
	if tool, ok := r.tools[name]; ok {
		return tool
	}
	return notFoundTool{name: name}
}

// Specs lists the registered tools in registration order for the LLM call.
func (r *ToolRegistry) Specs() []ToolSpec {
	if len(r.order) == 0 {
		return nil
	}
	specs := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		specs = append(specs, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return specs
}

// Run executes the named tool, converting panics and failures into strings
// the model can read.
func (r *ToolRegistry) Run(ctx context.Context, name, arguments string) (result string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Error("Tool panicked", "tool", name, "panic", recovered)
			result = fmt.Sprintf("Tool %q failed: %v", name, recovered)
		}
	}()
	return r.Get(name).Run(ctx, arguments)
}

type notFoundTool struct {
	name string
}

func (t notFoundTool) Name() string               { return t.name }
func (t notFoundTool) Description() string        { return "" }
func (t notFoundTool) Parameters() map[string]any { return nil }

func (t notFoundTool) Run(ctx context.Context, arguments string) string {
	return fmt.Sprintf("Tool %q is not available.", t.name)
}

// Connector is the minimal warehouse surface shared by all connection
// slugs.
type Connector interface {
	TestConnection(ctx context.Context) error
	GetTables(ctx context.Context) ([]models.TableInfo, error)
	Query(ctx context.Context, query string) (string, error)
}

// SQLTool lets the model query one warehouse connection.
type SQLTool struct {
	connection *models.Connection
	connector  Connector
}

// NewSQLTool builds the query tool for a connection.
func NewSQLTool(connection *models.Connection, connector Connector) *SQLTool {
	return &SQLTool{connection: connection, connector: connector}
}

func (t *SQLTool) Name() string {
	return "query_" + models.Canonical(t.connection.Name)
}

func (t *SQLTool) Description() string {
	return fmt.Sprintf("Run a SQL query against the %q data source (%s).",
		t.connection.Name, t.connection.Slug)
}

func (t *SQLTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The SQL query to execute.",
			},
		},
		"required": []string{"query"},
	}
}

// Run parses the arguments and executes the query. Every failure path
// returns a readable string.
func (t *SQLTool) Run(ctx context.Context, arguments string) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return fmt.Sprintf("Invalid tool arguments: %v", err)
	}
	if args.Query == "" {
		return "No query provided."
	}
	result, err := t.connector.Query(ctx, args.Query)
	if err != nil {
		return fmt.Sprintf("Query failed: %v", err)
	}
	return result
}
