// Package store defines read access to the persisted domain records backing
// the live map. The real storage layer is an external collaborator; this
// package carries its interface plus an in-memory implementation used by the
// demo daemon, the ingest endpoint, and tests.
package store

import (
	"context"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/feature"
)

// Reader provides read access to one category's records under an optional
// scope, with an optional changed-since restriction for delta queries.
// Implementations must be safe for concurrent use.
type Reader interface {
	// Records returns the current records of a category matching the scope.
	Records(ctx context.Context, c feature.Category, scope feature.Scope) ([]feature.Record, error)

	// RecordsChangedSince returns the records of a category matching the
	// scope whose last-modified timestamp is at or after since.
	RecordsChangedSince(ctx context.Context, c feature.Category, scope feature.Scope, since time.Time) ([]feature.Record, error)
}

// matchesScope reports whether a record falls inside a scope filter.
func matchesScope(r feature.Record, scope feature.Scope) bool {
	if scope.Region != "" && r.Region != scope.Region {
		return false
	}
	if scope.SubRegion != "" && r.SubRegion != scope.SubRegion {
		return false
	}
	return true
}
