// Package server exposes the live-map HTTP surface: the SSE and WebSocket
// streaming endpoints, one-shot layer queries, the record ingest endpoint,
// health, and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
	"github.com/DennisWilmot/weather-updates-sub002/metric"
	"github.com/DennisWilmot/weather-updates-sub002/poller"
	"github.com/DennisWilmot/weather-updates-sub002/query"
	"github.com/DennisWilmot/weather-updates-sub002/session"
	"github.com/DennisWilmot/weather-updates-sub002/store"
)

// Publisher publishes ingest-originated change events to the upstream
// channel. *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// HealthReporter reports the upstream change-channel health.
// *broker.Broker satisfies it.
type HealthReporter interface {
	Healthy() bool
}

// Server is the client-facing HTTP server.
type Server struct {
	addr        string
	ingestToken string

	gateway  *query.Gateway
	notifier session.Notifier
	records  *store.Memory
	pub      Publisher
	health   HealthReporter

	logger      *slog.Logger
	registry    *metric.Registry
	sessMetrics *session.Metrics

	heartbeatInterval time.Duration
	pollCfg           poller.Config

	// Live streaming connections, cancellable on Stop. http.Server.Shutdown
	// waits for handlers but never cancels their request contexts, and it
	// ignores hijacked WebSocket connections entirely, so the server cancels
	// each stream itself before shutting the listener down.
	streamMu  sync.Mutex
	streams   map[uint64]context.CancelFunc
	streamSeq uint64

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables the /metrics endpoint and session metrics.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Server) {
		s.registry = registry
		s.sessMetrics = session.NewMetrics(registry)
	}
}

// WithIngest enables the record ingest endpoint, authenticated by token and
// publishing change events through pub.
func WithIngest(token string, pub Publisher) Option {
	return func(s *Server) {
		s.ingestToken = token
		s.pub = pub
	}
}

// WithHealthReporter wires upstream health into /healthz.
func WithHealthReporter(h HealthReporter) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithHeartbeatInterval sets the heartbeat cadence for new sessions.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithPollerConfig sets the fallback polling cadence for new sessions.
func WithPollerConfig(cfg poller.Config) Option {
	return func(s *Server) {
		if cfg.Validate() == nil {
			s.pollCfg = cfg
		}
	}
}

// New creates the server. Streaming endpoints create one session per
// connection over the given gateway and notifier; the record store backs the
// ingest and layer-query endpoints.
func New(addr string, gateway *query.Gateway, notifier session.Notifier, records *store.Memory, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		gateway:           gateway,
		notifier:          notifier,
		records:           records,
		logger:            slog.Default(),
		heartbeatInterval: session.DefaultHeartbeatInterval,
		pollCfg:           poller.DefaultConfig(),
		streams:           make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /layers/{category}", s.handleLayer)
	mux.HandleFunc("POST /ingest/{category}", s.handleIngest)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", s.registry.Handler())
	}
	return mux
}

// Start begins serving. It returns once the listener fails or Stop is
// called; http.ErrServerClosed is swallowed as the normal shutdown result.
func (s *Server) Start(_ context.Context) error {
	s.logger.Info("http server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.addr)
	}
	return nil
}

// Stop gracefully shuts the server down within the timeout. Streaming
// connections are cancelled first, which runs each session's ordered
// teardown and lets their handlers return before Shutdown waits on them.
func (s *Server) Stop(timeout time.Duration) error {
	s.closeStreams()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown")
	}
	s.logger.Info("http server stopped")
	return nil
}

// trackStream derives a cancellable context for one streaming connection and
// registers it so Stop can end the stream. The returned release func is
// idempotent and must be called when the handler returns.
func (s *Server) trackStream(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	s.streamMu.Lock()
	s.streamSeq++
	id := s.streamSeq
	s.streams[id] = cancel
	s.streamMu.Unlock()

	return ctx, func() {
		cancel()
		s.streamMu.Lock()
		delete(s.streams, id)
		s.streamMu.Unlock()
	}
}

func (s *Server) closeStreams() {
	s.streamMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.streams))
	for _, cancel := range s.streams {
		cancels = append(cancels, cancel)
	}
	s.streamMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// parseLayerParams extracts the requested categories and scope from a
// streaming request. The layers parameter is comma-separated and defaults to
// every known category; unknown entries are dropped, and the request fails
// only when nothing valid remains.
func parseLayerParams(r *http.Request) ([]feature.Category, feature.Scope, error) {
	scope := feature.Scope{
		Region:    r.URL.Query().Get("region"),
		SubRegion: r.URL.Query().Get("subregion"),
	}

	raw := r.URL.Query().Get("layers")
	if raw == "" {
		return feature.Categories(), scope, nil
	}

	var categories []feature.Category
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c := feature.Category(part)
		if !feature.Known(c) {
			continue
		}
		categories = append(categories, c)
	}
	if len(categories) == 0 {
		return nil, feature.Scope{}, errors.WrapInvalid(errors.ErrUnknownCategory, "Server", "parseLayerParams", "no known layers in "+raw)
	}

	return categories, scope, nil
}
