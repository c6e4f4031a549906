package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/onyx-hq/onyx/pkg/models"
)

// IntegrationRepository persists API-style data sources.
type IntegrationRepository struct {
	q Querier
}

const integrationColumns = `id, organization_id, namespace_id, slug, name,
	configuration, sync_status, sync_error, last_synced_at, created_at`

func scanIntegration(row pgx.Row) (*models.Integration, error) {
	var i models.Integration
	var configuration []byte
	err := row.Scan(&i.ID, &i.OrganizationID, &i.NamespaceID, &i.Slug, &i.Name,
		&configuration, &i.SyncStatus, &i.SyncError, &i.LastSyncedAt, &i.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	i.Configuration = string(configuration)
	return &i, nil
}

// Create inserts an integration with encrypted configuration.
func (r *IntegrationRepository) Create(ctx context.Context, i *models.Integration) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	if i.SyncStatus == "" {
		i.SyncStatus = models.SyncStatusInitial
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO integrations (id, organization_id, namespace_id, slug, name,
			configuration, sync_status, sync_error, last_synced_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		i.ID, i.OrganizationID, i.NamespaceID, i.Slug, i.Name,
		[]byte(i.Configuration), i.SyncStatus, i.SyncError, i.LastSyncedAt, i.CreatedAt)
	return translateError(err)
}

// GetByID fetches one integration.
func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, id)
	return scanIntegration(row)
}

// GetForSync locks the integration row for the duration of a sync. A row
// already locked by another sync surfaces as ErrRowLocked.
func (r *IntegrationRepository) GetForSync(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations
		 WHERE id = $1 FOR UPDATE NOWAIT`, id)
	return scanIntegration(row)
}

// ListByIDs fetches integrations preserving no particular order.
func (r *IntegrationRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Integration, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var integrations []*models.Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}
	return integrations, translateError(rows.Err())
}

// UpdateSyncStatus records the outcome of a sync attempt.
func (r *IntegrationRepository) UpdateSyncStatus(ctx context.Context, id uuid.UUID, status models.SyncStatus, syncErr *string, lastSyncedAt *time.Time) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE integrations SET sync_status = $2, sync_error = $3, last_synced_at = $4
		 WHERE id = $1`, id, status, syncErr, lastSyncedAt)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IngestStateRepository persists per-integration bookmark state. Rows are
// mutated only inside the ingest controller under a row lock.
type IngestStateRepository struct {
	q Querier
}

const ingestStateColumns = `integration_id, bookmarks, sync_status, sync_error,
	last_synced_at, last_success_bookmark`

func scanIngestState(row pgx.Row) (*models.IngestState, error) {
	var state models.IngestState
	var bookmarks []byte
	err := row.Scan(&state.IntegrationID, &bookmarks, &state.SyncStatus,
		&state.SyncError, &state.LastSyncedAt, &state.LastSuccessBookmark)
	if err != nil {
		return nil, translateError(err)
	}
	if err := json.Unmarshal(bookmarks, &state.Bookmarks); err != nil {
		return nil, fmt.Errorf("failed to parse bookmarks: %w", err)
	}
	return &state, nil
}

// Get fetches the state row without locking.
func (r *IngestStateRepository) Get(ctx context.Context, integrationID uuid.UUID) (*models.IngestState, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+ingestStateColumns+` FROM ingest_state WHERE integration_id = $1`,
		integrationID)
	return scanIngestState(row)
}

// GetForUpdate locks the state row for this transaction. Contention
// surfaces as ErrRowLocked instead of blocking.
func (r *IngestStateRepository) GetForUpdate(ctx context.Context, integrationID uuid.UUID) (*models.IngestState, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+ingestStateColumns+` FROM ingest_state
		 WHERE integration_id = $1 FOR UPDATE NOWAIT`, integrationID)
	return scanIngestState(row)
}

// Upsert writes the full state row.
func (r *IngestStateRepository) Upsert(ctx context.Context, state *models.IngestState) error {
	if state.Bookmarks == nil {
		state.Bookmarks = models.Bookmarks{}
	}
	bookmarks, err := json.Marshal(state.Bookmarks)
	if err != nil {
		return fmt.Errorf("failed to serialize bookmarks: %w", err)
	}
	_, err = r.q.Exec(ctx,
		`INSERT INTO ingest_state (integration_id, bookmarks, sync_status, sync_error,
			last_synced_at, last_success_bookmark)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (integration_id) DO UPDATE SET
			bookmarks = EXCLUDED.bookmarks,
			sync_status = EXCLUDED.sync_status,
			sync_error = EXCLUDED.sync_error,
			last_synced_at = EXCLUDED.last_synced_at,
			last_success_bookmark = EXCLUDED.last_success_bookmark`,
		state.IntegrationID, bookmarks, state.SyncStatus, state.SyncError,
		state.LastSyncedAt, state.LastSuccessBookmark)
	return translateError(err)
}

// ConnectionRepository persists warehouse-style data sources.
type ConnectionRepository struct {
	q Querier
}

const connectionColumns = `id, organization_id, namespace_id, slug, name,
	configuration, sync_status, sync_error, last_synced_at, tables, created_at`

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var c models.Connection
	var configuration, tables []byte
	err := row.Scan(&c.ID, &c.OrganizationID, &c.NamespaceID, &c.Slug, &c.Name,
		&configuration, &c.SyncStatus, &c.SyncError, &c.LastSyncedAt, &tables, &c.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	c.Configuration = string(configuration)
	if err := json.Unmarshal(tables, &c.Tables); err != nil {
		return nil, fmt.Errorf("failed to parse tables: %w", err)
	}
	return &c, nil
}

// Create inserts a connection with encrypted configuration.
func (r *ConnectionRepository) Create(ctx context.Context, c *models.Connection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = models.SyncStatusInitial
	}
	tables, err := json.Marshal(sliceOrEmpty(c.Tables))
	if err != nil {
		return fmt.Errorf("failed to serialize tables: %w", err)
	}
	_, err = r.q.Exec(ctx,
		`INSERT INTO connections (id, organization_id, namespace_id, slug, name,
			configuration, sync_status, sync_error, last_synced_at, tables, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.OrganizationID, c.NamespaceID, c.Slug, c.Name,
		[]byte(c.Configuration), c.SyncStatus, c.SyncError, c.LastSyncedAt, tables, c.CreatedAt)
	return translateError(err)
}

// GetByID fetches one connection.
func (r *ConnectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	return scanConnection(row)
}

// GetForSync locks the connection row for the duration of a table sync.
func (r *ConnectionRepository) GetForSync(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE id = $1 FOR UPDATE NOWAIT`, id)
	return scanConnection(row)
}

// ListByIDs fetches connections by id.
func (r *ConnectionRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Connection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var connections []*models.Connection
	for rows.Next() {
		connection, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, connection)
	}
	return connections, translateError(rows.Err())
}

// UpdateSync records the outcome of a connection table sync.
func (r *ConnectionRepository) UpdateSync(ctx context.Context, c *models.Connection) error {
	tables, err := json.Marshal(sliceOrEmpty(c.Tables))
	if err != nil {
		return fmt.Errorf("failed to serialize tables: %w", err)
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE connections SET sync_status = $2, sync_error = $3,
			last_synced_at = $4, tables = $5
		 WHERE id = $1`,
		c.ID, c.SyncStatus, c.SyncError, c.LastSyncedAt, tables)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
