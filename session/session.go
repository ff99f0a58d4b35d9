// Package session implements the stream session: the per-client orchestrator
// that delivers initial snapshots, subscribes to change notifications (or
// degrades to polling), refreshes layers on change, and keeps the client
// connection alive with heartbeats.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/DennisWilmot/weather-updates-sub002/broker"
	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/event"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
	"github.com/DennisWilmot/weather-updates-sub002/poller"
)

// DefaultHeartbeatInterval keeps idle connections from being reaped by
// proxies between changes.
const DefaultHeartbeatInterval = 30 * time.Second

// changeQueueSize bounds the pending-change queue. Changes are coalesced by
// the incremental fetch, so dropping the newest under extreme pressure only
// delays a refresh until the next change or poll tick.
const changeQueueSize = 64

// State is the session lifecycle phase.
type State int32

// Session lifecycle phases. A session moves Starting to Streaming to Closed
// and never backwards.
const (
	StateStarting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode records how the session learns about changes. Decided once at startup
// and never revisited for the session's lifetime.
type Mode int32

// Change-delivery modes.
const (
	ModeUndecided Mode = iota
	ModePush
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModePush:
		return "push"
	case ModePoll:
		return "poll"
	default:
		return "undecided"
	}
}

// Gateway is the slice of the layer query gateway a session needs.
// *query.Gateway satisfies it.
type Gateway interface {
	Fetch(ctx context.Context, c feature.Category, scope feature.Scope) (*feature.Collection, error)
	FetchChangedSince(ctx context.Context, c feature.Category, scope feature.Scope, since time.Time) (*feature.Collection, error)
}

// Unsubscriber detaches one change subscription.
type Unsubscriber interface {
	Unsubscribe()
}

// Notifier hands out change subscriptions. A failed Subscribe is the signal
// to fall back to polling.
type Notifier interface {
	Subscribe(ctx context.Context, categories []feature.Category, fn func(event.Change)) (Unsubscriber, error)
}

// NewBrokerNotifier adapts the notification broker to the Notifier interface.
func NewBrokerNotifier(b *broker.Broker) Notifier {
	return brokerNotifier{b: b}
}

type brokerNotifier struct {
	b *broker.Broker
}

func (n brokerNotifier) Subscribe(ctx context.Context, categories []feature.Category, fn func(event.Change)) (Unsubscriber, error) {
	return n.b.Subscribe(ctx, categories, broker.Handler(fn))
}

// Sink delivers events to the connected client. Implementations are owned by
// the transport layer; the session serializes its own Send calls.
type Sink interface {
	Send(evt event.Event) error
}

// Session streams one client's live-map layers. Create with New, drive with
// Start, tear down with Close.
type Session struct {
	id         string
	categories []feature.Category
	scope      feature.Scope

	gateway  Gateway
	notifier Notifier
	sink     Sink
	logger   *slog.Logger
	metrics  *Metrics

	heartbeatInterval time.Duration
	pollCfg           poller.Config

	started atomic.Bool
	state   atomic.Int32
	mode    atomic.Int32

	// sendMu serializes writes to the sink across the snapshot goroutines,
	// the change processor, and the heartbeat loop.
	sendMu sync.Mutex

	// lastSeen tracks, per category, the high-water mark for incremental
	// fetches.
	seenMu   sync.Mutex
	lastSeen map[feature.Category]time.Time

	changes chan event.Change

	sub  Unsubscriber
	poll *poller.Poller

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches shared session metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithPollerConfig sets the cadence used if the session falls back to
// polling.
func WithPollerConfig(cfg poller.Config) Option {
	return func(s *Session) {
		if cfg.Validate() == nil {
			s.pollCfg = cfg
		}
	}
}

// New creates a session for the given layer categories and scope. Unknown
// categories are dropped with a warning; the session fails only when nothing
// valid remains.
func New(gateway Gateway, notifier Notifier, sink Sink, categories []feature.Category, scope feature.Scope, opts ...Option) (*Session, error) {
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Session", "New", "nil sink")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:                uuid.NewString(),
		scope:             scope,
		gateway:           gateway,
		notifier:          notifier,
		sink:              sink,
		logger:            slog.Default(),
		heartbeatInterval: DefaultHeartbeatInterval,
		pollCfg:           poller.DefaultConfig(),
		lastSeen:          make(map[feature.Category]time.Time, len(categories)),
		changes:           make(chan event.Change, changeQueueSize),
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.id)

	// Validate after options so the drop warnings reach the configured
	// logger rather than the process default.
	for _, c := range categories {
		if !feature.Known(c) {
			s.logger.Warn("dropping unknown layer category", "category", c)
			continue
		}
		s.categories = append(s.categories, c)
	}
	if len(s.categories) == 0 {
		cancel()
		return nil, errors.WrapInvalid(errors.ErrUnknownCategory, "Session", "New", "no known layer categories requested")
	}
	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Mode returns how the session receives changes. Undecided until Start has
// made the one-shot push-or-poll decision.
func (s *Session) Mode() Mode {
	return Mode(s.mode.Load())
}

// Start delivers the initial snapshots, decides push versus poll, and begins
// streaming. It returns once the session is live; subsequent delivery happens
// on the session's own goroutines until Close. The context governs startup
// and, once streaming, its cancellation closes the session.
func (s *Session) Start(ctx context.Context) error {
	if s.State() == StateClosed {
		return errors.WrapInvalid(errors.ErrSessionClosed, "Session", "Start", "session already closed")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Session", "Start", "session already streaming")
	}

	s.sendInitialSnapshots(ctx)

	// One-shot decision: push if the broker can hand out a subscription,
	// otherwise poll for the rest of the session's life.
	sub, err := s.notifier.Subscribe(ctx, s.categories, s.onChange)
	if err == nil {
		s.sub = sub
		s.mode.Store(int32(ModePush))
	} else {
		s.logger.Info("change subscription unavailable, falling back to polling", "error", err)
		s.poll = poller.New(s.gateway, s.categories, s.scope, poller.Handler(s.onChange),
			poller.WithLogger(s.logger), poller.WithConfig(s.pollCfg))
		s.poll.Start(s.ctx)
		s.mode.Store(int32(ModePoll))
	}

	s.wg.Add(2)
	go s.processChanges()
	go s.heartbeatLoop()

	// Tie the session's life to the caller's context.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.ctx.Done():
		}
	}()

	s.state.Store(int32(StateStreaming))
	if s.metrics != nil {
		s.metrics.active.Inc()
		if s.Mode() == ModePoll {
			s.metrics.fallback.Inc()
		}
	}
	s.logger.Info("session streaming", "mode", s.Mode(), "categories", len(s.categories))
	return nil
}

// sendInitialSnapshots fetches every requested category concurrently and
// delivers one initial event per category, or an error event for categories
// whose fetch failed. Empty layers still get their (empty) initial event so
// the client can render the layer as present but unpopulated.
func (s *Session) sendInitialSnapshots(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range s.categories {
		wg.Add(1)
		go func(c feature.Category) {
			defer wg.Done()
			fetchedAt := time.Now()
			col, err := s.gateway.Fetch(ctx, c, s.scope)
			if err != nil {
				s.logger.Warn("initial snapshot failed", "category", c, "error", err)
				s.send(event.Error(c, "failed to load layer"))
				return
			}
			s.markSeen(c, fetchedAt)
			s.send(event.Initial(col))
		}(c)
	}
	wg.Wait()
}

// onChange receives change events from the broker or the fallback poller.
// It never blocks the caller; under extreme pressure the newest change is
// dropped, which only defers the refresh to the next change or tick.
func (s *Session) onChange(evt event.Change) {
	select {
	case s.changes <- evt:
	default:
		s.logger.Warn("change queue full, refresh deferred", "category", evt.Category)
	}
}

// processChanges serializes incremental refreshes. One change per category in
// flight at a time keeps updated events ordered per category.
func (s *Session) processChanges() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.changes:
			s.refresh(evt.Category)
		}
	}
}

// refresh fetches what changed in one category since the previous delivery
// and sends an updated event if anything did. A change signal that resolves
// to zero projectable features sends nothing.
func (s *Session) refresh(c feature.Category) {
	since := s.seenAt(c)
	fetchedAt := time.Now()

	col, err := s.gateway.FetchChangedSince(s.ctx, c, s.scope, since)
	if err != nil {
		// Transient; the next change or poll tick retries.
		s.logger.Warn("incremental refresh failed", "category", c, "error", err)
		return
	}
	if col.Len() == 0 {
		return
	}

	s.markSeen(c, fetchedAt)
	s.send(event.Updated(col))
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.send(event.Heartbeat())
		}
	}
}

// send serializes sink writes. Sink failures are logged, not fatal: the
// transport layer observes its own connection state and closes the session.
func (s *Session) send(evt event.Event) {
	if s.State() == StateClosed {
		return
	}
	s.sendMu.Lock()
	err := s.sink.Send(evt)
	s.sendMu.Unlock()
	if err != nil {
		s.logger.Debug("sink send failed", "type", evt.Type, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.eventsSent.WithLabelValues(string(evt.Type)).Inc()
	}
}

func (s *Session) markSeen(c feature.Category, at time.Time) {
	s.seenMu.Lock()
	s.lastSeen[c] = at
	s.seenMu.Unlock()
}

func (s *Session) seenAt(c feature.Category) time.Time {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	return s.lastSeen[c]
}

// Close tears the session down in order: heartbeat first, then the fallback
// poller, then the change subscription, then internal resources. Every step
// runs regardless of earlier steps; Close is idempotent and safe from any
// goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		// Heartbeat and change processor both exit on context cancel.
		s.cancel()
		s.wg.Wait()

		if s.poll != nil {
			s.poll.Stop()
		}
		if s.sub != nil {
			s.sub.Unsubscribe()
		}

		if s.metrics != nil {
			s.metrics.active.Dec()
		}
		s.logger.Info("session closed")
	})
}
