package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StagingSink materializes raw records into per-stream tables in the
// staging schema, keyed by the stream's key properties so repeated inserts
// of the same key are idempotent.
type StagingSink struct {
	pool    *pgxpool.Pool
	schema  string
	rewrite bool
}

// NewStagingSink builds the sink over a pool. When rewrite is set the
// stream table is dropped and recreated instead of reused.
func NewStagingSink(pool *pgxpool.Pool, schema string, rewrite bool) *StagingSink {
	if schema == "" {
		schema = "staging"
	}
	return &StagingSink{pool: pool, schema: schema, rewrite: rewrite}
}

func (s *StagingSink) Name() string { return "staging" }

// TableName derives the quoted stream table identifier.
func (s *StagingSink) TableName(sc StreamContext) string {
	return fmt.Sprintf("%q.%q", s.schema,
		fmt.Sprintf("%s__%s__%s", sc.Identity.Slug, sc.Name, sc.Identity.DatasourceID))
}

// columnType maps the stream property notation onto SQL types. Unknown
// notations land in jsonb.
func columnType(propertyType string) string {
	switch strings.TrimPrefix(propertyType, "!") {
	case "string":
		return "text"
	case "integer":
		return "bigint"
	case "number":
		return "double precision"
	case "boolean":
		return "boolean"
	case "timestamp":
		return "timestamptz"
	default:
		return "jsonb"
	}
}

// CreateTarget ensures the staging schema and the stream's table exist.
func (s *StagingSink) CreateTarget(ctx context.Context, sc StreamContext) error {
	if _, err := s.pool.Exec(ctx,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, s.schema)); err != nil {
		return fmt.Errorf("failed to create staging schema: %w", err)
	}
	if s.rewrite {
		if _, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.TableName(sc))); err != nil {
			return fmt.Errorf("failed to drop staging table: %w", err)
		}
	}
	if _, err := s.pool.Exec(ctx, s.createTableStatement(sc)); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}
	return nil
}

func (s *StagingSink) createTableStatement(sc StreamContext) string {
	columns := make([]string, 0, len(sc.Properties)+1)
	for _, property := range sc.Properties {
		columns = append(columns,
			fmt.Sprintf("%q %s", property.Name, columnType(property.Type)))
	}
	columns = append(columns,
		fmt.Sprintf("PRIMARY KEY (%s)", quoteJoin(sc.KeyProperties)))
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`,
		s.TableName(sc), strings.Join(columns, ", "))
}

// Write upserts one batch keyed by the stream's key properties.
func (s *StagingSink) Write(ctx context.Context, sc StreamContext, batch []Record) error {
	statement := s.upsertStatement(sc)
	for _, record := range batch {
		args, err := recordArgs(sc, record)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, statement, args...); err != nil {
			return fmt.Errorf("failed to stage record for stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

func (s *StagingSink) upsertStatement(sc StreamContext) string {
	placeholders := make([]string, len(sc.Properties))
	var updates []string
	keys := make(map[string]bool, len(sc.KeyProperties))
	for _, key := range sc.KeyProperties {
		keys[key] = true
	}
	for i, property := range sc.Properties {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if !keys[property.Name] {
			updates = append(updates,
				fmt.Sprintf("%q = EXCLUDED.%q", property.Name, property.Name))
		}
	}
	conflict := fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", quoteJoin(sc.KeyProperties))
	if len(updates) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
			quoteJoin(sc.KeyProperties), strings.Join(updates, ", "))
	}
	names := make([]string, len(sc.Properties))
	for i, property := range sc.Properties {
		names[i] = fmt.Sprintf("%q", property.Name)
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) %s`,
		s.TableName(sc), strings.Join(names, ", "),
		strings.Join(placeholders, ", "), conflict)
}

// recordArgs orders a record's values by the property schema. Composite
// values are serialized to JSON for jsonb columns.
func recordArgs(sc StreamContext, record Record) ([]any, error) {
	args := make([]any, len(sc.Properties))
	for i, property := range sc.Properties {
		value := record[property.Name]
		if columnType(property.Type) == "jsonb" && value != nil {
			serialized, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize %s for staging: %w",
					property.Name, err)
			}
			value = serialized
		}
		args[i] = value
	}
	return args, nil
}

func quoteJoin(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = fmt.Sprintf("%q", name)
	}
	return strings.Join(quoted, ", ")
}
