// Package query implements the layer query gateway: it turns "current state
// of category C under scope S" into a feature collection by reading the
// record store and projecting each record through the category's projector.
package query

import (
	"context"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
	"github.com/DennisWilmot/weather-updates-sub002/store"
)

// Gateway fetches and projects records. It holds no per-session state and is
// safe to call concurrently from any number of sessions.
type Gateway struct {
	reader store.Reader
}

// NewGateway creates a gateway over a record store.
func NewGateway(reader store.Reader) *Gateway {
	return &Gateway{reader: reader}
}

// Fetch returns the current feature collection for a category under a scope.
// Records lacking valid coordinates are silently dropped. A category with no
// matching records yields an empty collection, not an error.
func (g *Gateway) Fetch(ctx context.Context, c feature.Category, scope feature.Scope) (*feature.Collection, error) {
	return g.fetch(ctx, c, scope, time.Time{})
}

// FetchChangedSince is Fetch restricted to records with a last-modified
// timestamp at or after since. Used by push-triggered incremental refresh and
// by the fallback poller.
func (g *Gateway) FetchChangedSince(ctx context.Context, c feature.Category, scope feature.Scope, since time.Time) (*feature.Collection, error) {
	return g.fetch(ctx, c, scope, since)
}

func (g *Gateway) fetch(ctx context.Context, c feature.Category, scope feature.Scope, since time.Time) (*feature.Collection, error) {
	if !feature.Known(c) {
		return nil, errors.WrapInvalid(errors.ErrUnknownCategory, "Gateway", "fetch", c.String())
	}

	var (
		recs []feature.Record
		err  error
	)
	if since.IsZero() {
		recs, err = g.reader.Records(ctx, c, scope)
	} else {
		recs, err = g.reader.RecordsChangedSince(ctx, c, scope, since)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "fetch", "query records for "+c.String())
	}

	col := &feature.Collection{
		Category: c,
		Features: make([]feature.Feature, 0, len(recs)),
	}
	for _, rec := range recs {
		if f, ok := feature.Project(c, rec); ok {
			col.Features = append(col.Features, f)
		}
	}
	return col, nil
}
