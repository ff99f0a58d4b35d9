package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Upstream  string    `json:"upstream"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHealth reports liveness. The service stays healthy without the
// upstream channel because sessions degrade to polling; upstream state is
// informational.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	upstream := "unknown"
	if s.health != nil {
		if s.health.Healthy() {
			upstream = "connected"
		} else {
			upstream = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:    "ok",
		Upstream:  upstream,
		Timestamp: time.Now().UTC(),
	})
}
