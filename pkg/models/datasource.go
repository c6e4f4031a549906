package models

import (
	"time"

	"github.com/google/uuid"
)

// Integration is an API-style data source (mail, chat, docs) bound to a
// slug. Configuration is stored encrypted; only the ingest path decrypts it.
type Integration struct {
	ID            uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	NamespaceID   uuid.UUID  `json:"namespace_id"`
	Slug          string     `json:"slug"`
	Name          string     `json:"name"`
	Configuration string     `json:"-"`
	SyncStatus    SyncStatus `json:"sync_status"`
	SyncError     *string    `json:"sync_error,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// GroupName derives the vector-store group for this integration.
func (i *Integration) GroupName() string {
	return i.Slug + "__" + Canonical(i.ID.String())
}

// Connection is a warehouse-style data source exposing tables and columns.
type Connection struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	NamespaceID    uuid.UUID    `json:"namespace_id"`
	Slug           string       `json:"slug"`
	Name           string       `json:"name"`
	Configuration  string       `json:"-"`
	SyncStatus     SyncStatus   `json:"sync_status"`
	SyncError      *string      `json:"sync_error,omitempty"`
	LastSyncedAt   *time.Time   `json:"last_synced_at,omitempty"`
	Tables         []TableInfo  `json:"tables,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// TableInfo describes one warehouse table surfaced by a connection.
type TableInfo struct {
	Identity string       `json:"identity"`
	Name     string       `json:"name"`
	Columns  []ColumnInfo `json:"columns,omitempty"`
}

// ColumnInfo describes one column of a warehouse table.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Interval is a closed range of source timestamps (unix seconds) known to
// have been ingested.
type Interval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Bookmarks maps stream names to their committed intervals. The list per
// stream is kept sorted ascending by start and non-overlapping.
type Bookmarks map[string][]Interval

// Insert adds iv to the stream's interval list, merging any neighbours that
// touch or overlap so the stored list stays sorted and disjoint.
func (b Bookmarks) Insert(stream string, iv Interval) {
	intervals := append(b[stream], iv)
	b[stream] = MergeIntervals(intervals)
}

// MergeIntervals sorts intervals by start and collapses every pair with
// arr[i].End >= arr[i+1].Start into one covering interval.
func MergeIntervals(intervals []Interval) []Interval {
	if len(intervals) <= 1 {
		return intervals
	}
	sorted := append([]Interval(nil), intervals...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Start > sorted[j].Start; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	merged := sorted[:1]
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.End >= iv.Start {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// IngestState is the per-integration sync record mutated only by the ingest
// controller under a row lock.
type IngestState struct {
	IntegrationID       uuid.UUID  `json:"integration_id"`
	Bookmarks           Bookmarks  `json:"bookmarks"`
	SyncStatus          SyncStatus `json:"sync_status"`
	SyncError           *string    `json:"sync_error,omitempty"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	LastSuccessBookmark *int64     `json:"last_success_bookmark,omitempty"`
}

// Canonical normalizes an identifier for vector-store naming: lowercase with
// every character outside [\w\d_$] replaced by an underscore.
func Canonical(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '$':
			out = append(out, byte(r))
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r-'A'+'a'))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
