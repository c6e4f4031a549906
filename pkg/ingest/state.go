package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/store"
)

// ErrSyncInProgress reports that another run holds the integration.
var ErrSyncInProgress = errors.New("integration is already being synced")

// StateStore persists the per-integration sync lifecycle. Every mutation
// happens in its own short transaction under a NOWAIT row lock, so a
// concurrent run surfaces as store.ErrRowLocked instead of blocking.
type StateStore interface {
	// BeginSync flips the integration to syncing and returns the stored
	// state. Fails with ErrSyncInProgress or store.ErrRowLocked when
	// another run is active.
	BeginSync(ctx context.Context, integrationID uuid.UUID) (*models.IngestState, error)
	// CommitInterval merges one processed interval into the stream's
	// bookmark list.
	CommitInterval(ctx context.Context, integrationID uuid.UUID, stream string, iv models.Interval) error
	// Finalize records the run outcome. On success the interval end
	// becomes the next run's starting bookmark.
	Finalize(ctx context.Context, integrationID uuid.UUID, intervalEnd int64, runErr error) error
}

// PgStateStore implements StateStore over the relational store.
type PgStateStore struct {
	client *store.Client
	now    func() time.Time
}

// NewPgStateStore builds the store-backed state.
func NewPgStateStore(client *store.Client) *PgStateStore {
	return &PgStateStore{client: client, now: time.Now}
}

func (s *PgStateStore) BeginSync(ctx context.Context, integrationID uuid.UUID) (*models.IngestState, error) {
	uow, err := s.client.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	integration, err := uow.Integrations.GetForSync(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	state, err := uow.IngestStates.GetForUpdate(ctx, integrationID)
	if errors.Is(err, store.ErrNotFound) {
		state = &models.IngestState{
			IntegrationID: integrationID,
			Bookmarks:     models.Bookmarks{},
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if state.SyncStatus == models.SyncStatusSyncing {
		return nil, ErrSyncInProgress
	}

	now := s.now()
	state.SyncStatus = models.SyncStatusSyncing
	state.SyncError = nil
	if err := uow.IngestStates.Upsert(ctx, state); err != nil {
		return nil, err
	}
	err = uow.Integrations.UpdateSyncStatus(ctx, integration.ID,
		models.SyncStatusSyncing, nil, &now)
	if err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *PgStateStore) CommitInterval(ctx context.Context, integrationID uuid.UUID, stream string, iv models.Interval) error {
	uow, err := s.client.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback(ctx)

	state, err := uow.IngestStates.GetForUpdate(ctx, integrationID)
	if err != nil {
		return err
	}
	state.Bookmarks.Insert(stream, iv)
	if err := uow.IngestStates.Upsert(ctx, state); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

func (s *PgStateStore) Finalize(ctx context.Context, integrationID uuid.UUID, intervalEnd int64, runErr error) error {
	uow, err := s.client.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback(ctx)

	state, err := uow.IngestStates.GetForUpdate(ctx, integrationID)
	if err != nil {
		return err
	}
	now := s.now()
	state.LastSyncedAt = &now
	var syncErr *string
	if runErr != nil {
		message := runErr.Error()
		syncErr = &message
		state.SyncStatus = models.SyncStatusError
		state.SyncError = syncErr
	} else {
		state.SyncStatus = models.SyncStatusSuccess
		state.SyncError = nil
		state.LastSuccessBookmark = &intervalEnd
	}
	if err := uow.IngestStates.Upsert(ctx, state); err != nil {
		return err
	}
	err = uow.Integrations.UpdateSyncStatus(ctx, integrationID,
		state.SyncStatus, syncErr, &now)
	if err != nil {
		return err
	}
	return uow.Commit(ctx)
}
