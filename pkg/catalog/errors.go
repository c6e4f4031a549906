// Package catalog owns agents, their versions, and data sources: CRUD and
// publish lifecycle, the search index projection, integration and
// connection syncs, and the external task queue for slugs without a native
// ingest source.
package catalog

import "errors"

var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrVersionNotFound     = errors.New("agent version not found")
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrConnectionNotFound  = errors.New("connection not found")

	// ErrIntegrationBusy and ErrConnectionBusy surface row-lock contention:
	// another sync holds the target.
	ErrIntegrationBusy = errors.New("integration is being synced")
	ErrConnectionBusy  = errors.New("connection is being synced")

	ErrSourceNotSupported = errors.New("source type is not supported")
)
