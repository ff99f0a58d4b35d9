package store

import (
	"context"
	"sync"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/feature"
)

// Memory is an in-memory record store keyed by category and record ID.
// Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[feature.Category]map[string]feature.Record
}

var _ Reader = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[feature.Category]map[string]feature.Record),
	}
}

// Upsert inserts or replaces a record. A zero UpdatedAt is stamped with the
// current time so delta queries see the write.
func (m *Memory) Upsert(rec feature.Record) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.records[rec.Category]
	if !ok {
		byID = make(map[string]feature.Record)
		m.records[rec.Category] = byID
	}
	byID[rec.ID] = rec
}

// Delete removes a record if present.
func (m *Memory) Delete(c feature.Category, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if byID, ok := m.records[c]; ok {
		delete(byID, id)
	}
}

// Records returns the current records of a category matching the scope.
func (m *Memory) Records(ctx context.Context, c feature.Category, scope feature.Scope) ([]feature.Record, error) {
	return m.RecordsChangedSince(ctx, c, scope, time.Time{})
}

// RecordsChangedSince returns records matching the scope whose UpdatedAt is
// at or after since. A zero since matches everything.
func (m *Memory) RecordsChangedSince(ctx context.Context, c feature.Category, scope feature.Scope, since time.Time) ([]feature.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []feature.Record
	for _, rec := range m.records[c] {
		if !matchesScope(rec, scope) {
			continue
		}
		if !since.IsZero() && rec.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the number of records stored for a category.
func (m *Memory) Len(c feature.Category) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[c])
}
