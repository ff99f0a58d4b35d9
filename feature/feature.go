package feature

import (
	"time"
)

// Scope narrows which records a session cares about. The zero value matches
// everything. Immutable for the lifetime of a session.
type Scope struct {
	Region    string `json:"region,omitempty"`
	SubRegion string `json:"subregion,omitempty"`
}

// IsZero reports whether the scope applies no narrowing.
func (s Scope) IsZero() bool {
	return s.Region == "" && s.SubRegion == ""
}

// Record is one raw domain record as returned by the storage layer.
// Coordinates are optional; records without them are never projected.
type Record struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Lat        *float64       `json:"lat,omitempty"`
	Lng        *float64       `json:"lng,omitempty"`
	Region     string         `json:"region,omitempty"`
	SubRegion  string         `json:"subregion,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Feature is a single point geometry ready for client-side rendering.
type Feature struct {
	ID          string         `json:"id"`
	Coordinates [2]float64     `json:"coordinates"` // [lng, lat]
	Properties  map[string]any `json:"properties"`
}

// Collection groups the features of one category under one scope.
type Collection struct {
	Category Category  `json:"category"`
	Features []Feature `json:"features"`
}

// Len returns the number of features in the collection.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Features)
}
