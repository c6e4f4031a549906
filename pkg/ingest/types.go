// Package ingest runs data-source syncs: a controller drives source streams
// page by page and fans each batch out to the staging and embed sinks, with
// bookmark intervals giving at-least-once delivery.
package ingest

import (
	"time"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/vector"
)

// Identity names the data source a run ingests for.
type Identity struct {
	Slug         string
	NamespaceID  uuid.UUID
	DatasourceID uuid.UUID
}

// GroupName derives the vector-store group for this data source.
func (i Identity) GroupName() string {
	return vector.GroupName(i.Slug, i.DatasourceID.String())
}

// VectorIdentity derives the full vector-store location for this data source.
func (i Identity) VectorIdentity() vector.Identity {
	return vector.Identity{
		Namespace: vector.NamespaceName(i.NamespaceID.String()),
		GroupName: i.GroupName(),
		Schema:    i.Slug,
	}
}

// Request asks the controller for one ingest run. When RequestInterval is
// nil the controller derives the interval from the stored bookmark.
type Request struct {
	Identity              Identity
	RequestInterval       *models.Interval
	DefaultBeginningDelta time.Duration
}

// Record is one source record keyed by property name.
type Record map[string]any

// Property is one column of a stream's schema. Types use the source
// notation: !string, !timestamp, !integer, !array<!string>.
type Property struct {
	Name string
	Type string
}

// StreamContext carries everything the sinks need to materialize one
// stream's records.
type StreamContext struct {
	Name             string
	Identity         Identity
	Interval         models.Interval
	Properties       []Property
	KeyProperties    []string
	BookmarkProperty string
	BatchSize        int
	Strategy         Strategy
}

// Document is the embed-sink view of one record, derived by the stream's
// strategy.
type Document struct {
	ID        string
	Timestamp int64
	Title     string
	URL       string
	Text      string
	Metadata  []string
}

// Strategy derives an embeddable document from a raw record.
type Strategy interface {
	BuildDocument(record Record) (Document, error)
}
