package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/ingest"
	"github.com/onyx-hq/onyx/pkg/ingest/gmail"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/secrets"
	"github.com/onyx-hq/onyx/pkg/store"
)

// sharedNamespace is the per-organization namespace all data sources ingest
// into.
const sharedNamespace = "shared"

// SourceFactory opens a native ingest source from decrypted configuration.
type SourceFactory func(configuration map[string]any) (ingest.Source, error)

// SourceRegistry maps integration slugs with an in-process ingest source to
// their factories. Slugs outside the registry are synced by external
// workers through the task queue.
type SourceRegistry map[string]SourceFactory

// NewSourceRegistry returns the registry with the built-in sources.
func NewSourceRegistry() SourceRegistry {
	return SourceRegistry{"gmail": gmailSource}
}

func gmailSource(configuration map[string]any) (ingest.Source, error) {
	cfg := gmail.OAuthConfig{}
	cfg.ClientID, _ = configuration["client_id"].(string)
	cfg.ClientSecret, _ = configuration["client_secret"].(string)
	cfg.RefreshToken, _ = configuration["refresh_token"].(string)
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("gmail configuration requires client_id, client_secret and refresh_token")
	}
	return gmail.NewSource(cfg), nil
}

func handleCreateIntegration(ctx context.Context, req CreateIntegration, sc *bus.Scope) (*models.Integration, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	cipher, err := bus.Resolve[*secrets.Cipher](ctx, sc)
	if err != nil {
		return nil, err
	}
	namespace, err := uow.Namespaces.GetOrCreate(ctx, req.OrganizationID, req.OrganizationID, sharedNamespace)
	if err != nil {
		return nil, err
	}
	ciphertext, err := cipher.EncryptMap(req.Configuration)
	if err != nil {
		return nil, err
	}
	integration := &models.Integration{
		OrganizationID: req.OrganizationID,
		NamespaceID:    namespace.ID,
		Slug:           req.Slug,
		Name:           req.Name,
		Configuration:  string(ciphertext),
	}
	if err := uow.Integrations.Create(ctx, integration); err != nil {
		return nil, err
	}

	sources, err := bus.Resolve[SourceRegistry](ctx, sc)
	if err != nil {
		return nil, err
	}
	if _, native := sources[req.Slug]; !native {
		if err := publishIngestTask(ctx, sc, uow, integration); err != nil {
			return nil, err
		}
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	sc.Events().Publish(IntegrationCreated{IntegrationID: integration.ID, Slug: integration.Slug})
	return integration, nil
}

// publishIngestTask hands the integration to the external queue and records
// the task row in the caller's transaction.
func publishIngestTask(ctx context.Context, sc *bus.Scope, uow *store.UnitOfWork, integration *models.Integration) error {
	queue, err := bus.Resolve[TaskQueue](ctx, sc)
	if err != nil {
		return err
	}
	task, err := queue.Publish(ctx, integration)
	if err != nil {
		return err
	}
	return uow.Tasks.Create(ctx, task)
}

func handleCreateConnection(ctx context.Context, req CreateConnection, sc *bus.Scope) (*models.Connection, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	cipher, err := bus.Resolve[*secrets.Cipher](ctx, sc)
	if err != nil {
		return nil, err
	}
	registry, err := bus.Resolve[*ConnectorRegistry](ctx, sc)
	if err != nil {
		return nil, err
	}
	connector, err := registry.Open(ctx, req.Slug, req.Configuration)
	if err != nil {
		return nil, err
	}
	defer connector.Close()
	if err := connector.TestConnection(ctx); err != nil {
		return nil, err
	}
	tables, err := connector.GetTables(ctx)
	if err != nil {
		return nil, err
	}

	namespace, err := uow.Namespaces.GetOrCreate(ctx, req.OrganizationID, req.OrganizationID, sharedNamespace)
	if err != nil {
		return nil, err
	}
	ciphertext, err := cipher.EncryptMap(req.Configuration)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	connection := &models.Connection{
		OrganizationID: req.OrganizationID,
		NamespaceID:    namespace.ID,
		Slug:           req.Slug,
		Name:           req.Name,
		Configuration:  string(ciphertext),
		SyncStatus:     models.SyncStatusSuccess,
		LastSyncedAt:   &now,
		Tables:         tables,
	}
	if err := uow.Connections.Create(ctx, connection); err != nil {
		return nil, err
	}
	return connection, uow.Commit(ctx)
}

// handleSyncIntegration runs one ingest. Native slugs run the controller in
// this process; the transaction is committed before the run so the row-lock
// discipline stays inside the controller's own short transactions.
func handleSyncIntegration(ctx context.Context, req SyncIntegration, sc *bus.Scope) (*models.Integration, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	integration, err := uow.Integrations.GetByID(ctx, req.IntegrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, req.IntegrationID)
	}
	if err != nil {
		return nil, err
	}
	sources, err := bus.Resolve[SourceRegistry](ctx, sc)
	if err != nil {
		return nil, err
	}
	factory, native := sources[integration.Slug]
	if !native {
		if task, err := uow.Tasks.GetLatestBySource(ctx, integration.ID); err == nil {
			result, err := uow.Tasks.GetResult(ctx, task.ExternalID, task.QueueSystem)
			if err != nil {
				return nil, err
			}
			if result.Running() {
				return nil, fmt.Errorf("%w: %s", ErrIntegrationBusy, integration.ID)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err := publishIngestTask(ctx, sc, uow, integration); err != nil {
			return nil, err
		}
		return integration, uow.Commit(ctx)
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	cipher, err := bus.Resolve[*secrets.Cipher](ctx, sc)
	if err != nil {
		return nil, err
	}
	configuration, err := cipher.DecryptMap([]byte(integration.Configuration))
	if err != nil {
		return nil, err
	}
	source, err := factory(configuration)
	if err != nil {
		return nil, err
	}
	controller, err := bus.Resolve[*ingest.Controller](ctx, sc)
	if err != nil {
		return nil, err
	}
	runErr := controller.Ingest(ctx, source, ingest.Request{
		Identity: ingest.Identity{
			Slug:         integration.Slug,
			NamespaceID:  integration.NamespaceID,
			DatasourceID: integration.ID,
		},
	})
	if errors.Is(runErr, ingest.ErrSyncInProgress) || errors.Is(runErr, store.ErrRowLocked) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationBusy, integration.ID)
	}
	if runErr != nil {
		return nil, runErr
	}
	return integration, nil
}

func handleSyncConnection(ctx context.Context, req SyncConnection, sc *bus.Scope) (*models.Connection, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	connection, err := uow.Connections.GetForSync(ctx, req.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, req.ConnectionID)
	}
	if errors.Is(err, store.ErrRowLocked) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionBusy, req.ConnectionID)
	}
	if err != nil {
		return nil, err
	}
	cipher, err := bus.Resolve[*secrets.Cipher](ctx, sc)
	if err != nil {
		return nil, err
	}
	registry, err := bus.Resolve[*ConnectorRegistry](ctx, sc)
	if err != nil {
		return nil, err
	}
	configuration, err := cipher.DecryptMap([]byte(connection.Configuration))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	connection.LastSyncedAt = &now
	tables, syncErr := refreshTables(ctx, registry, connection.Slug, configuration)
	if syncErr != nil {
		message := syncErr.Error()
		connection.SyncStatus = models.SyncStatusError
		connection.SyncError = &message
	} else {
		connection.Tables = tables
		connection.SyncStatus = models.SyncStatusSuccess
		connection.SyncError = nil
	}
	if err := uow.Connections.UpdateSync(ctx, connection); err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return connection, syncErr
}

func refreshTables(ctx context.Context, registry *ConnectorRegistry, slug string, configuration map[string]any) ([]models.TableInfo, error) {
	connector, err := registry.Open(ctx, slug, configuration)
	if err != nil {
		return nil, err
	}
	defer connector.Close()
	return connector.GetTables(ctx)
}

// handleUpdateIntegrationSyncState records an outcome reported by an
// external worker and closes out the latest queued task.
func handleUpdateIntegrationSyncState(ctx context.Context, req UpdateIntegrationSyncState, sc *bus.Scope) (*models.Integration, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	integration, err := uow.Integrations.GetByID(ctx, req.IntegrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, req.IntegrationID)
	}
	if err != nil {
		return nil, err
	}
	now := time.Now()
	status := models.SyncStatusSuccess
	state := models.TaskSuccess
	if req.Error != nil {
		status = models.SyncStatusError
		state = models.TaskFailed
	}
	if err := uow.Integrations.UpdateSyncStatus(ctx, integration.ID, status, req.Error, &now); err != nil {
		return nil, err
	}
	integration.SyncStatus = status
	integration.SyncError = req.Error
	integration.LastSyncedAt = &now

	task, err := uow.Tasks.GetLatestBySource(ctx, integration.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if task != nil {
		result := models.TaskResult{State: state, DateDone: &now}
		if err := uow.Tasks.UpdateResult(ctx, task.ExternalID, task.QueueSystem, result); err != nil {
			return nil, err
		}
	}
	return integration, uow.Commit(ctx)
}

func handleUpdateConnectionSyncState(ctx context.Context, req UpdateConnectionSyncState, sc *bus.Scope) (*models.Connection, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	connection, err := uow.Connections.GetByID(ctx, req.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, req.ConnectionID)
	}
	if err != nil {
		return nil, err
	}
	now := time.Now()
	connection.LastSyncedAt = &now
	if req.Error != nil {
		connection.SyncStatus = models.SyncStatusError
		connection.SyncError = req.Error
	} else {
		connection.SyncStatus = models.SyncStatusSuccess
		connection.SyncError = nil
	}
	if err := uow.Connections.UpdateSync(ctx, connection); err != nil {
		return nil, err
	}
	return connection, uow.Commit(ctx)
}

func handleGetIngestTaskResult(ctx context.Context, req GetIngestTaskResult, sc *bus.Scope) (models.TaskResult, error) {
	uow, err := bus.Resolve[*store.UnitOfWork](ctx, sc)
	if err != nil {
		return models.TaskResult{}, err
	}
	task, err := uow.Tasks.GetLatestBySource(ctx, req.IntegrationID)
	if errors.Is(err, store.ErrNotFound) {
		return models.TaskResult{}, fmt.Errorf("%w: no task for integration %s", ErrIntegrationNotFound, req.IntegrationID)
	}
	if err != nil {
		return models.TaskResult{}, err
	}
	result, err := uow.Tasks.GetResult(ctx, task.ExternalID, task.QueueSystem)
	if err != nil {
		return models.TaskResult{}, err
	}
	return result, uow.Commit(ctx)
}
