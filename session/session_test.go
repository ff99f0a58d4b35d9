package session

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/DennisWilmot/weather-updates-sub002/errors"
	"github.com/DennisWilmot/weather-updates-sub002/event"
	"github.com/DennisWilmot/weather-updates-sub002/feature"
	"github.com/DennisWilmot/weather-updates-sub002/poller"
	"github.com/DennisWilmot/weather-updates-sub002/query"
	"github.com/DennisWilmot/weather-updates-sub002/store"
)

type stubGateway struct {
	mu       sync.Mutex
	snapshot map[feature.Category]*feature.Collection
	changed  map[feature.Category]*feature.Collection
	fetchErr map[feature.Category]error
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		snapshot: make(map[feature.Category]*feature.Collection),
		changed:  make(map[feature.Category]*feature.Collection),
		fetchErr: make(map[feature.Category]error),
	}
}

func (g *stubGateway) Fetch(_ context.Context, c feature.Category, _ feature.Scope) (*feature.Collection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.fetchErr[c]; ok {
		return nil, err
	}
	if col, ok := g.snapshot[c]; ok {
		return col, nil
	}
	return &feature.Collection{Category: c, Features: []feature.Feature{}}, nil
}

func (g *stubGateway) FetchChangedSince(_ context.Context, c feature.Category, _ feature.Scope, _ time.Time) (*feature.Collection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if col, ok := g.changed[c]; ok {
		return col, nil
	}
	return &feature.Collection{Category: c, Features: []feature.Feature{}}, nil
}

func (g *stubGateway) setChanged(c feature.Category, col *feature.Collection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.changed[c] = col
}

type stubUnsub struct {
	mu    sync.Mutex
	calls int
}

func (u *stubUnsub) Unsubscribe() {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
}

func (u *stubUnsub) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type stubNotifier struct {
	mu      sync.Mutex
	err     error
	handler func(event.Change)
	unsub   *stubUnsub
}

func (n *stubNotifier) Subscribe(_ context.Context, _ []feature.Category, fn func(event.Change)) (Unsubscriber, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	n.handler = fn
	n.unsub = &stubUnsub{}
	return n.unsub, nil
}

func (n *stubNotifier) push(c feature.Category) {
	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()
	handler(event.Change{Category: c, OccurredAt: time.Now()})
}

type recordSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordSink) Send(evt event.Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) ofType(t event.Type) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordSink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func nonEmpty(c feature.Category) *feature.Collection {
	return &feature.Collection{
		Category: c,
		Features: []feature.Feature{{ID: "r1", Coordinates: [2]float64{-76.8, 18.0}}},
	}
}

func ptr(f float64) *float64 { return &f }

func TestNew_Validation(t *testing.T) {
	gw := newStubGateway()
	sink := &recordSink{}

	_, err := New(gw, &stubNotifier{}, sink, nil, feature.Scope{})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalid(err))

	_, err = New(gw, &stubNotifier{}, sink, []feature.Category{"volcanoes"}, feature.Scope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnknownCategory)

	_, err = New(gw, &stubNotifier{}, nil, []feature.Category{feature.CategoryAssets}, feature.Scope{})
	assert.Error(t, err)
}

func TestNew_DropsUnknownCategories(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	sink := &recordSink{}
	s, err := New(newStubGateway(), &stubNotifier{}, sink,
		[]feature.Category{feature.CategoryAssets, "volcanoes"}, feature.Scope{},
		WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	// Only the known category gets an initial event
	initials := sink.ofType(event.TypeInitial)
	require.Len(t, initials, 1)
	assert.Equal(t, feature.CategoryAssets, initials[0].Category)

	// The drop warning goes through the injected logger with session context
	logs := logBuf.String()
	assert.Contains(t, logs, "dropping unknown layer category")
	assert.Contains(t, logs, "volcanoes")
	assert.Contains(t, logs, s.ID())
}

func TestStart_DeliversInitialSnapshotPerCategory(t *testing.T) {
	gw := newStubGateway()
	gw.snapshot[feature.CategoryAssets] = nonEmpty(feature.CategoryAssets)
	sink := &recordSink{}

	s, err := New(gw, &stubNotifier{}, sink,
		[]feature.Category{feature.CategoryAssets, feature.CategoryNeeds}, feature.Scope{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.Equal(t, StateStreaming, s.State())

	initials := sink.ofType(event.TypeInitial)
	require.Len(t, initials, 2)
	byCat := map[feature.Category]event.Event{}
	for _, e := range initials {
		byCat[e.Category] = e
	}
	assert.Equal(t, 1, byCat[feature.CategoryAssets].Data.Len())
	// An empty layer still gets its initial event
	assert.Equal(t, 0, byCat[feature.CategoryNeeds].Data.Len())
}

func TestStart_SnapshotFailureYieldsErrorEvent(t *testing.T) {
	gw := newStubGateway()
	gw.fetchErr[feature.CategoryAssets] = apperrors.ErrQueryFailed
	gw.snapshot[feature.CategoryNeeds] = nonEmpty(feature.CategoryNeeds)
	sink := &recordSink{}

	s, err := New(gw, &stubNotifier{}, sink,
		[]feature.Category{feature.CategoryAssets, feature.CategoryNeeds}, feature.Scope{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	errs := sink.ofType(event.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, feature.CategoryAssets, errs[0].Category)

	initials := sink.ofType(event.TypeInitial)
	require.Len(t, initials, 1)
	assert.Equal(t, feature.CategoryNeeds, initials[0].Category)
}

func TestStart_Twice(t *testing.T) {
	s, err := New(newStubGateway(), &stubNotifier{}, &recordSink{},
		[]feature.Category{feature.CategoryAssets}, feature.Scope{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyStarted)
}

func TestPushMode_ChangeTriggersUpdatedEvent(t *testing.T) {
	gw := newStubGateway()
	notifier := &stubNotifier{}
	sink := &recordSink{}

	s, err := New(gw, notifier, sink, []feature.Category{feature.CategoryAssets}, feature.Scope{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Equal(t, ModePush, s.Mode())

	gw.setChanged(feature.CategoryAssets, nonEmpty(feature.CategoryAssets))
	notifier.push(feature.CategoryAssets)

	require.Eventually(t, func() bool {
		return len(sink.ofType(event.TypeUpdated)) == 1
	}, time.Second, 5*time.Millisecond)

	updated := sink.ofType(event.TypeUpdated)[0]
	assert.Equal(t, feature.CategoryAssets, updated.Category)
	assert.Equal(t, 1, updated.Data.Len())
}

func TestPushMode_EmptyRefreshSendsNothing(t *testing.T) {
	gw := newStubGateway()
	notifier := &stubNotifier{}
	sink := &recordSink{}

	s, err := New(gw, notifier, sink, []feature.Category{feature.CategoryAssets}, feature.Scope{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	// Change signal that resolves to no projectable features
	notifier.push(feature.CategoryAssets)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.ofType(event.TypeUpdated))
}

func TestFallback_PollingDeliversUpdates(t *testing.T) {
	gw := newStubGateway()
	gw.setChanged(feature.CategoryNeeds, nonEmpty(feature.CategoryNeeds))
	notifier := &stubNotifier{err: apperrors.ErrUpstreamUnavailable}
	sink := &recordSink{}

	s, err := New(gw, notifier, sink, []feature.Category{feature.CategoryNeeds}, feature.Scope{},
		WithPollerConfig(poller.Config{Interval: 10 * time.Millisecond, Lookback: 25 * time.Millisecond}))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Equal(t, ModePoll, s.Mode())

	require.Eventually(t, func() bool {
		return len(sink.ofType(event.TypeUpdated)) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, feature.CategoryNeeds, sink.ofType(event.TypeUpdated)[0].Category)
}

func TestHeartbeat_ExactlyOnePerQuietInterval(t *testing.T) {
	const interval = 40 * time.Millisecond

	sink := &recordSink{}
	s, err := New(newStubGateway(), &stubNotifier{}, sink,
		[]feature.Category{feature.CategoryAssets}, feature.Scope{},
		WithHeartbeatInterval(interval))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// Quiet window covering three intervals, halted mid-way to the fourth
	time.Sleep(7 * interval / 2)
	s.Close()

	beats := sink.ofType(event.TypeHeartbeat)
	require.Len(t, beats, 3, "expected exactly one heartbeat per quiet interval")

	for i := 1; i < len(beats); i++ {
		gap := beats[i].Timestamp.Sub(beats[i-1].Timestamp)
		assert.InDelta(t, float64(interval), float64(gap), float64(interval)/2,
			"heartbeats unevenly spaced")
	}

	hb := beats[0]
	assert.Empty(t, hb.Category)
	assert.Nil(t, hb.Data)
	assert.False(t, hb.Timestamp.IsZero())
}

func TestClose_TearsDownInOrderAndIsIdempotent(t *testing.T) {
	notifier := &stubNotifier{}
	sink := &recordSink{}
	s, err := New(newStubGateway(), notifier, sink,
		[]feature.Category{feature.CategoryAssets}, feature.Scope{},
		WithHeartbeatInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, notifier.unsub.count())

	before := len(sink.all())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(sink.all()), "events delivered after close")

	assert.NotPanics(t, func() { s.Close() })
	assert.Equal(t, 1, notifier.unsub.count())
}

func TestClose_FallbackStopsPoller(t *testing.T) {
	gw := newStubGateway()
	gw.setChanged(feature.CategoryAssets, nonEmpty(feature.CategoryAssets))
	sink := &recordSink{}

	s, err := New(gw, &stubNotifier{err: apperrors.ErrUpstreamUnavailable}, sink,
		[]feature.Category{feature.CategoryAssets}, feature.Scope{},
		WithPollerConfig(poller.Config{Interval: 10 * time.Millisecond, Lookback: 25 * time.Millisecond}))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(sink.ofType(event.TypeUpdated)) >= 1
	}, time.Second, 5*time.Millisecond)

	s.Close()
	before := len(sink.all())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, len(sink.all()), "poll tick fired after close")
}

func TestClose_ViaContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(newStubGateway(), &stubNotifier{}, &recordSink{},
		[]feature.Category{feature.CategoryAssets}, feature.Scope{})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	cancel()
	require.Eventually(t, func() bool {
		return s.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}

// End-to-end over the real store and gateway: two asset records of which one
// lacks coordinates, plus an empty needs layer.
func TestSession_WithRealGateway(t *testing.T) {
	mem := store.NewMemory()
	mem.Upsert(feature.Record{
		ID: "shelter-1", Category: feature.CategoryAssets,
		Lat: ptr(18.01), Lng: ptr(-76.79),
		Properties: map[string]any{"name": "Kingston shelter"},
	})
	mem.Upsert(feature.Record{
		ID: "shelter-2", Category: feature.CategoryAssets,
		Properties: map[string]any{"name": "no coordinates yet"},
	})

	gw := query.NewGateway(mem)
	sink := &recordSink{}

	s, err := New(gw, &stubNotifier{}, sink,
		[]feature.Category{feature.CategoryAssets, feature.CategoryNeeds}, feature.Scope{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	initials := sink.ofType(event.TypeInitial)
	require.Len(t, initials, 2)
	for _, e := range initials {
		switch e.Category {
		case feature.CategoryAssets:
			require.Equal(t, 1, e.Data.Len(), "record without coordinates must be dropped")
			assert.Equal(t, "shelter-1", e.Data.Features[0].ID)
		case feature.CategoryNeeds:
			assert.Equal(t, 0, e.Data.Len())
		default:
			t.Fatalf("unexpected category %s", e.Category)
		}
	}
}
