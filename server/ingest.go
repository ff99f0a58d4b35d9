package server

// Record ingest endpoint for the field-data scrapers.
//
// POST /ingest/{category}
//   X-Ingest-Token: <shared token>
//   body: one record object or an array of them
//
// Accepted records are upserted into the store and a change event is
// published on the upstream channel so every streaming session refreshes.

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/event"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
)

type ingestResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingestToken == "" {
		http.Error(w, "ingest disabled", http.StatusNotFound)
		return
	}
	if r.Header.Get("X-Ingest-Token") != s.ingestToken {
		http.Error(w, "invalid ingest token", http.StatusUnauthorized)
		return
	}

	c := feature.Category(r.PathValue("category"))
	if !feature.Known(c) {
		http.Error(w, "unknown category: "+c.String(), http.StatusBadRequest)
		return
	}

	records, err := decodeRecords(r)
	if err != nil {
		http.Error(w, "malformed record payload", http.StatusBadRequest)
		return
	}
	if len(records) == 0 {
		http.Error(w, "empty record payload", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	for i := range records {
		records[i].Category = c
		if records[i].UpdatedAt.IsZero() {
			records[i].UpdatedAt = now
		}
		s.records.Upsert(records[i])
	}

	s.publishChange(r, c, records)

	s.logger.Info("records ingested", "category", c, "count", len(records))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ingestResponse{Accepted: len(records)})
}

// decodeRecords accepts either a single record object or an array.
func decodeRecords(r *http.Request) ([]feature.Record, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var records []feature.Record
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	var single feature.Record
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []feature.Record{single}, nil
}

// publishChange notifies streaming sessions of the ingested records. Best
// effort: a publish failure leaves sessions to their fallback pollers.
func (s *Server) publishChange(r *http.Request, c feature.Category, records []feature.Record) {
	if s.pub == nil {
		return
	}
	for _, rec := range records {
		data, err := event.Change{Category: c, RecordID: rec.ID, OccurredAt: time.Now().UTC()}.Encode()
		if err != nil {
			continue
		}
		if err := s.pub.Publish(r.Context(), event.Subject(c), data); err != nil {
			s.logger.Warn("failed to publish change event", "category", c, "error", err)
			return
		}
	}
}
