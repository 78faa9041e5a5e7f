package sinks

import (
	"context"
	"errors"
	"sync"

	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/session"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
	"github.com/balena-io-experimental/audio/internal/testutil/paserver"
)

type volumeCall struct {
	ref     schema.SinkRef
	volumes tagstruct.CVolume
}

type muteCall struct {
	ref  schema.SinkRef
	mute bool
}

type fakeBackend struct {
	mu         sync.Mutex
	sinks      map[uint32]schema.Sink
	order      []uint32
	listErr    error
	sinkErr    error
	lists      int
	fetches    map[uint32]int
	subscribed []schema.SubscriptionMask
	volumes    []volumeCall
	mutes      []muteCall
	notes      chan session.Notification
	gate       chan struct{}
	noteOnce   sync.Once
}

func newFakeBackend(sinks ...schema.Sink) *fakeBackend {
	f := &fakeBackend{
		sinks:   make(map[uint32]schema.Sink),
		fetches: make(map[uint32]int),
		notes:   make(chan session.Notification, 16),
	}
	for _, s := range sinks {
		f.sinks[s.Index] = s
		f.order = append(f.order, s.Index)
	}
	return f
}

func (f *fakeBackend) WaitReady(context.Context) error { return nil }

func (f *fakeBackend) ListSinks(context.Context) ([]schema.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]schema.Sink, 0, len(f.order))
	for _, idx := range f.order {
		out = append(out, f.sinks[idx])
	}
	return out, nil
}

func (f *fakeBackend) Sink(ctx context.Context, ref schema.SinkRef) (schema.Sink, error) {
	f.mu.Lock()
	idx, _ := ref.Index()
	f.fetches[idx]++
	gate := f.gate
	f.gate = nil
	var (
		sink schema.Sink
		err  error
	)
	if f.sinkErr != nil {
		err = f.sinkErr
	} else if s, ok := f.sinks[idx]; ok {
		sink = s
	} else {
		err = schema.ErrNoSuchEntity
	}
	f.mu.Unlock()

	// The snapshot is taken before blocking, like a reply already in flight.
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return schema.Sink{}, ctx.Err()
		}
	}
	return sink, err
}

// holdNextFetch makes the next Sink call block until the returned func runs.
func (f *fakeBackend) holdNextFetch() func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeBackend) SetSinkVolume(_ context.Context, ref schema.SinkRef, volumes tagstruct.CVolume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, volumeCall{ref: ref, volumes: volumes})
	return nil
}

func (f *fakeBackend) SetSinkMute(_ context.Context, ref schema.SinkRef, mute bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes = append(f.mutes, muteCall{ref: ref, mute: mute})
	return nil
}

func (f *fakeBackend) Subscribe(_ context.Context, mask schema.SubscriptionMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, mask)
	return nil
}

func (f *fakeBackend) Notifications(context.Context, int) (<-chan session.Notification, func(), error) {
	return f.notes, func() { f.noteOnce.Do(func() { close(f.notes) }) }, nil
}

func (f *fakeBackend) update(index uint32, fn func(*schema.Sink)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sinks[index]
	fn(&s)
	f.sinks[index] = s
}

func (f *fakeBackend) fetchCount(index uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[index]
}

var errListFailed = errors.New("list failed")

func threeSinks() []schema.Sink {
	return []schema.Sink{
		paserver.Sink(4, "Zeta"),
		paserver.Sink(9, "Alpha"),
		paserver.Sink(2, "Mid"),
	}
}
