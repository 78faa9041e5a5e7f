package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/balena-io-experimental/audio/internal/observability"
	"github.com/balena-io-experimental/audio/internal/protocol"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/session"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
	"github.com/balena-io-experimental/audio/internal/testutil/metricstest"
	"github.com/balena-io-experimental/audio/internal/testutil/paserver"
	"github.com/balena-io-experimental/audio/internal/testutil/testlog"
)

const wait = 2 * time.Second

func newRegistry(t *testing.T, f *fakeBackend, opts ...Option) *Registry {
	t.Helper()
	r := New(f, Config{Debounce: 30 * time.Millisecond}, opts...)
	t.Cleanup(func() { _ = r.Close() })
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return r
}

func nextChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatalf("change channel closed")
		}
		return c
	case <-time.After(wait):
		t.Fatalf("no change published")
	}
	return Change{}
}

func noChange(t *testing.T, ch <-chan Change, d time.Duration) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(d):
	}
}

func waitFetches(t *testing.T, f *fakeBackend, index uint32, n int) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for f.fetchCount(index) < n {
		if time.Now().After(deadline) {
			t.Fatalf("index %d fetched %d times, want %d", index, f.fetchCount(index), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoadSortsByDescription(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	r := newRegistry(t, f)

	got, err := r.Sinks(context.Background())
	if err != nil {
		t.Fatalf("sinks: %v", err)
	}
	want := []struct {
		desc  string
		index uint32
	}{{"Alpha", 9}, {"Mid", 2}, {"Zeta", 4}}
	if len(got) != len(want) {
		t.Fatalf("got %d sinks", len(got))
	}
	for i, w := range want {
		if got[i].Position != i || got[i].Description != w.desc || got[i].Index != w.index {
			t.Fatalf("position %d: got %+v want %s/%d", i, got[i], w.desc, w.index)
		}
	}
	if len(f.subscribed) != 1 || f.subscribed[0] != schema.SubscriptionMaskSink {
		t.Fatalf("expected one sink subscription, got %v", f.subscribed)
	}
	if _, err := r.Sinks(context.Background()); err != nil || f.lists != 1 {
		t.Fatalf("registry should load once, lists=%d err=%v", f.lists, err)
	}
}

func TestSortIsLocaleAwareAndStable(t *testing.T) {
	testlog.Start(t)
	list := []schema.Sink{
		{Index: 1, Description: "beta"},
		{Index: 2, Description: "Alpha"},
		{Index: 3, Description: "Gamma"},
		{Index: 4, Description: "beta"},
	}
	SortByDescription(list)
	var got []uint32
	for _, s := range list {
		got = append(got, s.Index)
	}
	want := []uint32{2, 1, 4, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got order %v want %v", got, want)
		}
	}
}

func TestProjection(t *testing.T) {
	testlog.Start(t)
	p := Project(3, paserver.Sink(5, "Speakers"))
	if p.Position != 3 || p.Index != 5 || p.Volume != 50 || p.Channels != 2 {
		t.Fatalf("unexpected projection %+v", p)
	}
	if p.State != tagstruct.StateSuspended || p.ActivePortName != "analog-output-speaker" || p.ActivePortDescription != "Speakers" {
		t.Fatalf("unexpected projection %+v", p)
	}
}

func TestLoadFailureIsRetried(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	f.listErr = errListFailed
	r := New(f, DefaultConfig())
	t.Cleanup(func() { _ = r.Close() })

	if _, err := r.Sinks(context.Background()); !errors.Is(err, errListFailed) {
		t.Fatalf("expected list failure, got %v", err)
	}
	f.mu.Lock()
	f.listErr = nil
	f.mu.Unlock()
	got, err := r.Sinks(context.Background())
	if err != nil || len(got) != 3 {
		t.Fatalf("retry failed: %v %v", got, err)
	}
	if f.lists != 2 {
		t.Fatalf("expected 2 list calls, got %d", f.lists)
	}
}

func TestDebounceCollapsesEventsIntoOneFetch(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	r := newRegistry(t, f)
	changes, cancel := r.Subscribe(4)
	defer cancel()

	f.update(9, func(s *schema.Sink) { s.Volume = tagstruct.CVolume{0x10000, 0x10000} })
	for i := 0; i < 3; i++ {
		f.notes <- session.SinkChanged{Index: 9}
	}

	c := nextChange(t, changes)
	if c.Position != 0 || c.Sink.Volume != 100 {
		t.Fatalf("unexpected change %+v", c)
	}
	if len(c.Fields) != 1 || !c.Has(FieldVolume) {
		t.Fatalf("expected only volume to change, got %v", c.Fields)
	}
	if fc := c.Fields[FieldVolume]; fc.Old != 50 || fc.New != 100 {
		t.Fatalf("unexpected field change %+v", fc)
	}
	noChange(t, changes, 100*time.Millisecond)
	if n := f.fetchCount(9); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestOverlappingRefreshKeepsLatestFetch(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	r := newRegistry(t, f)
	changes, cancel := r.Subscribe(4)
	defer cancel()

	release := f.holdNextFetch()
	defer release()
	f.update(9, func(s *schema.Sink) { s.Mute = true })
	f.notes <- session.SinkChanged{Index: 9}
	waitFetches(t, f, 9, 1)

	f.update(9, func(s *schema.Sink) {
		s.Mute = false
		s.Description = "Alpha2"
	})
	f.notes <- session.SinkChanged{Index: 9}
	c := nextChange(t, changes)
	if len(c.Fields) != 1 || !c.Has(FieldDescription) {
		t.Fatalf("expected only description to change, got %v", c.Fields)
	}

	release()
	noChange(t, changes, 100*time.Millisecond)
	p, err := r.Sink(context.Background(), 0)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	if p.Description != "Alpha2" || p.Mute {
		t.Fatalf("stale fetch overwrote the cache: %+v", p)
	}
}

func TestUnchangedRefreshPublishesNothing(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	r := newRegistry(t, f)
	changes, cancel := r.Subscribe(4)
	defer cancel()

	f.notes <- session.SinkChanged{Index: 2}
	waitFetches(t, f, 2, 1)
	noChange(t, changes, 60*time.Millisecond)
}

func TestUnknownIndexIsDropped(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	_ = newRegistry(t, f)

	f.notes <- session.SinkChanged{Index: 77}
	time.Sleep(80 * time.Millisecond)
	if n := f.fetchCount(77); n != 0 {
		t.Fatalf("unknown index fetched %d times", n)
	}
}

func TestRefreshFailureIsCountedAndDropped(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	f := newFakeBackend(threeSinks()...)
	r := newRegistry(t, f, WithMetrics(observability.NewMetrics(reg)))
	changes, cancel := r.Subscribe(4)
	defer cancel()

	f.mu.Lock()
	f.sinkErr = schema.ErrNoSuchEntity
	f.mu.Unlock()
	f.notes <- session.SinkChanged{Index: 4}
	waitFetches(t, f, 4, 1)
	noChange(t, changes, 50*time.Millisecond)
	if got := metricstest.Value(t, reg, "audio_sinks_refresh_failures_total", nil); got != 1 {
		t.Fatalf("refresh failures=%v", got)
	}
}

func TestActiveOrDefaultTracksRunningSink(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	r := newRegistry(t, f)
	changes, cancel := r.Subscribe(4)
	defer cancel()
	ctx := context.Background()

	if pos, err := r.ActiveOrDefault(ctx); err != nil || pos != 0 {
		t.Fatalf("default: pos=%d err=%v", pos, err)
	}

	f.update(2, func(s *schema.Sink) { s.State = tagstruct.StateRunning })
	f.notes <- session.SinkChanged{Index: 2}
	c := nextChange(t, changes)
	if !c.Has(FieldState) || c.Position != 1 {
		t.Fatalf("unexpected change %+v", c)
	}
	if pos, _ := r.ActiveOrDefault(ctx); pos != 1 {
		t.Fatalf("expected running position 1, got %d", pos)
	}

	f.update(2, func(s *schema.Sink) { s.State = tagstruct.StateIdle })
	f.notes <- session.SinkChanged{Index: 2}
	nextChange(t, changes)
	if pos, _ := r.ActiveOrDefault(ctx); pos != 0 {
		t.Fatalf("expected fallback to 0, got %d", pos)
	}
}

func TestMutatorsAddressSinksByIndex(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	r := newRegistry(t, f)
	ctx := context.Background()

	if err := r.SetVolume(ctx, 0, 50); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if err := r.UpdateVolume(ctx, 0, 10); err != nil {
		t.Fatalf("update volume: %v", err)
	}
	if err := r.ToggleMute(ctx, 2); err != nil {
		t.Fatalf("toggle mute: %v", err)
	}
	if err := r.SetMute(ctx, 1, false); err != nil {
		t.Fatalf("set mute: %v", err)
	}

	if len(f.volumes) != 2 {
		t.Fatalf("expected 2 volume calls, got %d", len(f.volumes))
	}
	if idx, ok := f.volumes[0].ref.Index(); !ok || idx != 9 {
		t.Fatalf("volume addressed %v", f.volumes[0].ref)
	}
	if v := f.volumes[0].volumes; len(v) != 2 || v[0] != 32768 || v[1] != 32768 {
		t.Fatalf("unexpected volumes %v", v)
	}
	if v := f.volumes[1].volumes; v[0] != 39322 {
		t.Fatalf("expected cached 50%% + 10 = 39322, got %v", v)
	}
	if idx, _ := f.mutes[0].ref.Index(); idx != 4 || !f.mutes[0].mute {
		t.Fatalf("toggle should mute Zeta: %+v", f.mutes[0])
	}
	if idx, _ := f.mutes[1].ref.Index(); idx != 2 || f.mutes[1].mute {
		t.Fatalf("unexpected mute call %+v", f.mutes[1])
	}

	if v, _ := r.Volume(ctx, 0); v != 50 {
		t.Fatalf("mutators must not touch the cache, volume=%d", v)
	}

	err := r.SetMute(ctx, 5, true)
	if !errors.Is(err, ErrUnknownSink) || !errors.Is(err, protocol.ErrUsage) {
		t.Fatalf("expected ErrUnknownSink, got %v", err)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	testlog.Start(t)
	f := newFakeBackend(threeSinks()...)
	r := newRegistry(t, f)
	changes, _ := r.Subscribe(1)

	f.notes <- session.SinkChanged{Index: 4}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-changes:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(wait):
		t.Fatalf("channel not closed")
	}
	if _, err := r.Sinks(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
