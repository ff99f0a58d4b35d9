// Package broker implements the notification broker: the single owner of the
// upstream change-listening connection, fanned out to any number of stream
// sessions. Dispatch to one subscriber can never block dispatch to another;
// each subscriber gets its own ring buffer and dispatch goroutine, and a slow
// consumer loses its oldest events instead of stalling the broker.
package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/event"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
	"github.com/DennisWilmot/weather-updates-sub002/metric"
	"github.com/DennisWilmot/weather-updates-sub002/pkg/buffer"
	"github.com/DennisWilmot/weather-updates-sub002/pkg/retry"
)

// defaultBufferSize is the per-subscriber event queue capacity. Change events
// are cache-invalidation signals; losing the oldest under pressure is safe
// because the session's query-on-event converges on the next event.
const defaultBufferSize = 64

// Upstream is the change-listening transport the broker attaches to.
// *natsclient.Client satisfies it.
type Upstream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
	IsHealthy() bool
}

// Handler receives change events for a subscriber's categories. It runs on
// the subscriber's own dispatch goroutine and may block without affecting
// other subscribers.
type Handler func(event.Change)

// Broker fans change events out to registered subscribers. One instance per
// process; construct once and hand a reference to every session.
type Broker struct {
	upstream Upstream
	logger   *slog.Logger
	metrics  *Metrics

	bufferSize   int
	connectRetry retry.Config

	// lifecycle context for the upstream subscription
	ctx    context.Context
	cancel context.CancelFunc

	attachMu sync.Mutex
	attached bool

	mu          sync.RWMutex
	subscribers map[string]*subscriber
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics enables prometheus metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(b *Broker) {
		b.metrics = newMetrics(registry)
	}
}

// WithBufferSize overrides the per-subscriber queue capacity.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithConnectRetry overrides the backoff applied to the lazy upstream
// connect. The retry is bounded: the caller still needs a timely answer to
// decide on polling fallback.
func WithConnectRetry(cfg retry.Config) Option {
	return func(b *Broker) {
		b.connectRetry = cfg
	}
}

// New creates a broker over an upstream transport. The upstream connection is
// not dialed until the first Subscribe.
func New(upstream Upstream, opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		upstream:     upstream,
		logger:       slog.Default(),
		bufferSize:   defaultBufferSize,
		connectRetry: retry.DefaultConfig(),
		ctx:          ctx,
		cancel:       cancel,
		subscribers:  make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is the handle returned by Subscribe, usable for exactly one
// Unsubscribe. Calling Unsubscribe again (or concurrently) is a no-op.
type Subscription struct {
	id     string
	broker *Broker
	sub    *subscriber
	once   sync.Once
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Unsubscribe removes the subscription from the broker's registry and stops
// its dispatch goroutine. Idempotent and safe concurrently with dispatch.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s.id)
		s.sub.stop()
	})
}

// subscriber holds one registered callback and its isolation machinery.
type subscriber struct {
	id         string
	categories map[feature.Category]struct{}
	handler    Handler
	queue      *buffer.Ring[event.Change]
	notify     chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func (s *subscriber) wants(c feature.Category) bool {
	_, ok := s.categories[c]
	return ok
}

// enqueue buffers an event and nudges the dispatch goroutine. Never blocks.
func (s *subscriber) enqueue(evt event.Change) bool {
	dropped := s.queue.Write(evt) != nil
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return !dropped
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// run drains the queue and invokes the handler until stopped.
func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			for {
				evt, ok := s.queue.Read()
				if !ok {
					break
				}
				select {
				case <-s.done:
					return
				default:
				}
				s.handler(evt)
			}
		}
	}
}

// Subscribe registers a handler for change events in the given categories.
// The upstream connection is established lazily on the first call; if it
// cannot be established the error is transient and the caller must fall back
// to polling. The broker itself never polls.
func (b *Broker) Subscribe(ctx context.Context, categories []feature.Category, fn Handler) (*Subscription, error) {
	if fn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Broker", "Subscribe", "nil handler")
	}
	if len(categories) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Broker", "Subscribe", "empty category set")
	}

	if err := b.ensureAttached(ctx); err != nil {
		return nil, err
	}

	set := make(map[feature.Category]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}

	queue, err := buffer.NewRing[event.Change](b.bufferSize, buffer.DropOldest)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Broker", "Subscribe", "create subscriber queue")
	}

	sub := &subscriber{
		id:         uuid.NewString(),
		categories: set,
		handler:    fn,
		queue:      queue,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	go sub.run()

	if b.metrics != nil {
		b.metrics.subscribers.Set(float64(count))
	}
	b.logger.Debug("subscriber registered", "subscription_id", sub.id, "categories", len(set))

	return &Subscription{id: sub.id, broker: b, sub: sub}, nil
}

// ensureAttached lazily dials the upstream and installs the wildcard change
// subscription. After a successful attach, reconnection on connection loss is
// handled inside the upstream transport; the broker does not synthesize
// events for the gap.
func (b *Broker) ensureAttached(ctx context.Context) error {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	if b.attached {
		return nil
	}

	err := retry.Do(ctx, b.connectRetry, func() error {
		return b.upstream.Connect(ctx)
	})
	if err != nil {
		b.logger.Warn("upstream connect failed, callers should fall back to polling", "error", err)
		return errors.WrapTransient(errors.ErrUpstreamUnavailable, "Broker", "Subscribe", "connect upstream")
	}

	if err := b.upstream.Subscribe(b.ctx, event.SubjectAll, b.handleRaw); err != nil {
		return errors.WrapTransient(err, "Broker", "Subscribe", "subscribe "+event.SubjectAll)
	}

	b.attached = true
	b.logger.Info("attached to upstream change channel", "subject", event.SubjectAll)
	return nil
}

// handleRaw decodes one raw upstream message and dispatches it. Runs on the
// upstream's delivery goroutine, so it must never block: per-subscriber
// delivery happens through buffered queues only.
func (b *Broker) handleRaw(_ context.Context, data []byte) {
	evt, err := event.DecodeChange(data)
	if err != nil {
		b.logger.Warn("dropping malformed change event", "error", err)
		if b.metrics != nil {
			b.metrics.eventsInvalid.Inc()
		}
		return
	}

	if b.metrics != nil {
		b.metrics.eventsReceived.WithLabelValues(evt.Category.String()).Inc()
	}

	b.dispatch(evt)
}

func (b *Broker) dispatch(evt event.Change) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(evt.Category) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.enqueue(evt) {
			if b.metrics != nil {
				b.metrics.eventsDispatched.WithLabelValues(evt.Category.String()).Inc()
			}
		} else {
			b.logger.Warn("subscriber queue overflow, oldest event dropped",
				"subscription_id", sub.id, "category", evt.Category)
			if b.metrics != nil {
				b.metrics.eventsDropped.WithLabelValues(evt.Category.String()).Inc()
			}
		}
	}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.subscribers.Set(float64(count))
	}
	b.logger.Debug("subscriber removed", "subscription_id", id)
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Attached reports whether the upstream change subscription is installed.
func (b *Broker) Attached() bool {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()
	return b.attached
}

// Healthy reports whether the upstream connection is currently usable.
func (b *Broker) Healthy() bool {
	return b.Attached() && b.upstream.IsHealthy()
}

// Close stops all subscriber dispatch goroutines and detaches. Only called
// at process shutdown.
func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	if b.metrics != nil {
		b.metrics.subscribers.Set(0)
	}
}
