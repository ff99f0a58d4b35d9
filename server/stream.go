package server

// SSE streaming endpoint for live-map clients.
//
// GET /stream?layers=assets,needs&region=st-catherine&subregion=portmore
//
// One stream session per connection: initial snapshots for every requested
// layer, then updated events as records change, heartbeats in between.
//
// Response format (SSE):
//   event: initial
//   data: {"type":"initial","category":"assets","data":{...},"timestamp":"..."}
//
//   event: heartbeat
//   data: {"type":"heartbeat","timestamp":"..."}

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/event"
	"github.com/DennisWilmot/weather-updates-sub002/session"
)

// sseSink writes session events as server-sent events. Writes are already
// serialized by the session, but the mutex also covers the handler's own
// error write path.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseSink{w: w, flusher: flusher}, true
}

// Send writes one event frame and flushes it to the client.
func (s *sseSink) Send(evt event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.WrapInvalid(err, "sseSink", "Send", "marshal event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return errors.WrapTransient(err, "sseSink", "Send", "write event frame")
	}
	s.flusher.Flush()
	return nil
}

// handleStream handles GET /stream. The connection stays open until the
// client disconnects or the server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	categories, scope, err := parseLayerParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sink, ok := newSSESink(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Build the session before any byte of the stream is written so session
	// construction failures still get a proper HTTP status.
	sess, err := session.New(s.gateway, s.notifier, sink, categories, scope,
		session.WithLogger(s.logger),
		session.WithMetrics(s.sessMetrics),
		session.WithHeartbeatInterval(s.heartbeatInterval),
		session.WithPollerConfig(s.pollCfg))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	sink.flusher.Flush()

	// Cancelled on client disconnect or server Stop, whichever first.
	ctx, release := s.trackStream(r.Context())
	defer release()

	if err := sess.Start(ctx); err != nil {
		s.logger.Error("failed to start stream session", "error", err)
		// The stream is already open; a status line would corrupt it.
		_ = sink.Send(event.Event{Type: event.TypeError, Message: "failed to start stream", Timestamp: time.Now().UTC()})
		return
	}
	defer sess.Close()

	s.logger.Info("sse stream open", "session_id", sess.ID(), "mode", sess.Mode(), "layers", len(categories))

	// Block until the client goes away; the session delivers on its own
	// goroutines.
	<-ctx.Done()
	s.logger.Info("sse stream closed", "session_id", sess.ID())
}
