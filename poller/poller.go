// Package poller implements the fallback change detector used when the
// upstream push channel is unavailable. It polls the layer query gateway on a
// fixed interval and synthesizes change events only when the lookback window
// actually contains modified records, so downstream sessions see the same
// event shape whether changes arrive by push or by poll.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/event"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
)

// Default polling cadence. The lookback window is deliberately wider than the
// interval so a record modified just before a tick is never missed by the
// next one.
const (
	DefaultInterval = 10 * time.Second
	DefaultLookback = 15 * time.Second
)

// Fetcher is the slice of the query gateway the poller needs.
// *query.Gateway satisfies it.
type Fetcher interface {
	FetchChangedSince(ctx context.Context, c feature.Category, scope feature.Scope, since time.Time) (*feature.Collection, error)
}

// Handler receives the change events the poller synthesizes.
type Handler func(event.Change)

// Config controls the polling cadence.
type Config struct {
	Interval time.Duration
	Lookback time.Duration
}

// DefaultConfig returns the standard cadence.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Lookback: DefaultLookback}
}

// Validate rejects cadences that could miss changes between ticks.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "interval must be positive")
	}
	if c.Lookback <= c.Interval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "lookback must exceed interval")
	}
	return nil
}

// Poller periodically checks a set of categories for recent changes and
// reports them through a handler. One poller per fallback session.
type Poller struct {
	fetcher    Fetcher
	categories []feature.Category
	scope      feature.Scope
	cfg        Config
	handler    Handler
	logger     *slog.Logger

	// now is replaceable for tests
	now func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the poller's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithConfig overrides the polling cadence. Invalid configs fall back to the
// defaults; construction never fails so a bad cadence cannot take down a
// session that is already degraded to polling.
func WithConfig(cfg Config) Option {
	return func(p *Poller) {
		if cfg.Validate() == nil {
			p.cfg = cfg
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// New creates a poller for the given categories and scope. It does nothing
// until Start.
func New(fetcher Fetcher, categories []feature.Category, scope feature.Scope, handler Handler, opts ...Option) *Poller {
	p := &Poller{
		fetcher:    fetcher,
		categories: categories,
		scope:      scope,
		cfg:        DefaultConfig(),
		handler:    handler,
		logger:     slog.Default(),
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling loop. The loop runs until Stop is called or the
// context is cancelled. Subsequent calls are no-ops.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.loop(ctx)
}

// Stop halts the polling loop and waits for it to exit. After Stop returns no
// further handler invocations occur. Safe to call more than once, and before
// Start (a poller stopped first exits immediately if started later).
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	if !p.started.Load() {
		return
	}
	<-p.done
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll checks every category's lookback window and emits one synthesized
// change per category that has modified records. Quiet windows emit nothing.
func (p *Poller) poll(ctx context.Context) {
	now := p.now()
	since := now.Add(-p.cfg.Lookback)

	for _, c := range p.categories {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		col, err := p.fetcher.FetchChangedSince(ctx, c, p.scope, since)
		if err != nil {
			p.logger.Warn("fallback poll failed", "category", c, "error", err)
			continue
		}
		if col.Len() == 0 {
			continue
		}

		p.handler(event.Change{Category: c, OccurredAt: now})
	}
}
