package server

// WebSocket streaming endpoint. Same session semantics as /stream, framed as
// one JSON message per event instead of SSE.

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/event"
	"github.com/DennisWilmot/weather-updates-sub002/session"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Public read-only map data; origin enforcement belongs to the
		// fronting proxy.
		return true
	},
}

// wsSink writes session events to one WebSocket connection. The mutex
// protects concurrent writes to the same connection.
type wsSink struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex
}

// Send writes one event as a JSON text message.
func (s *wsSink) Send(evt event.Event) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(evt); err != nil {
		return errors.WrapTransient(err, "wsSink", "Send", "write event")
	}
	return nil
}

// handleWebSocket handles GET /ws. Parameter validation happens before the
// upgrade so bad requests get a proper HTTP status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	categories, scope, err := parseLayerParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	sess, err := session.New(s.gateway, s.notifier, sink, categories, scope,
		session.WithLogger(s.logger),
		session.WithMetrics(s.sessMetrics),
		session.WithHeartbeatInterval(s.heartbeatInterval),
		session.WithPollerConfig(s.pollCfg))
	if err != nil {
		_ = sink.Send(event.Event{Type: event.TypeError, Message: err.Error()})
		return
	}

	// Cancelled on client disconnect or server Stop; Shutdown never touches
	// hijacked connections, so Stop reaches this stream through the tracked
	// context instead.
	ctx, release := s.trackStream(r.Context())
	defer release()

	if err := sess.Start(ctx); err != nil {
		s.logger.Error("failed to start websocket session", "error", err)
		_ = sink.Send(event.Event{Type: event.TypeError, Message: "failed to start stream"})
		return
	}
	defer sess.Close()

	s.logger.Info("websocket stream open", "session_id", sess.ID(), "mode", sess.Mode(), "layers", len(categories))

	// Read loop exists only to observe the close handshake; clients send no
	// application messages.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-readDone:
	case <-ctx.Done():
		// Returning closes the connection, which unblocks the read loop.
	}
	s.logger.Info("websocket stream closed", "session_id", sess.ID())
}
