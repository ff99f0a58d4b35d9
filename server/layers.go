package server

// One-shot layer query endpoint for clients that poll instead of streaming.
//
// GET /layers/{category}?region=st-catherine&subregion=portmore
// GET /layers/{category}?since=2026-08-30T12:00:00Z

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
)

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	c := feature.Category(r.PathValue("category"))
	scope := feature.Scope{
		Region:    r.URL.Query().Get("region"),
		SubRegion: r.URL.Query().Get("subregion"),
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	var (
		col *feature.Collection
		err error
	)
	if since.IsZero() {
		col, err = s.gateway.Fetch(r.Context(), c, scope)
	} else {
		col, err = s.gateway.FetchChangedSince(r.Context(), c, scope, since)
	}
	if err != nil {
		if errors.IsInvalid(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("layer query failed", "category", c, "error", err)
		http.Error(w, "layer query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(col)
}
