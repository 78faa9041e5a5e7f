package sinks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/observability"
	"github.com/balena-io-experimental/audio/internal/protocol"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/session"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

var (
	ErrUnknownSink = fmt.Errorf("%w: sinks: unknown sink position", protocol.ErrUsage)
	ErrClosed      = errors.New("sinks: registry closed")
)

// Backend is the slice of a connected client the registry needs.
type Backend interface {
	WaitReady(ctx context.Context) error
	ListSinks(ctx context.Context) ([]schema.Sink, error)
	Sink(ctx context.Context, ref schema.SinkRef) (schema.Sink, error)
	SetSinkVolume(ctx context.Context, ref schema.SinkRef, volumes tagstruct.CVolume) error
	SetSinkMute(ctx context.Context, ref schema.SinkRef, mute bool) error
	Subscribe(ctx context.Context, mask schema.SubscriptionMask) error
	Notifications(ctx context.Context, buffer int) (<-chan session.Notification, func(), error)
}

type Config struct {
	// Debounce is the quiet period after the last change event for an index
	// before the sink is refetched.
	Debounce time.Duration
	// NotificationBuffer sizes the registry's dispatcher subscription.
	NotificationBuffer int
	// RefreshTimeout bounds one refetch. Zero means no bound.
	RefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:           100 * time.Millisecond,
		NotificationBuffer: 64,
		RefreshTimeout:     5 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = d.NotificationBuffer
	}
	if c.RefreshTimeout < 0 {
		c.RefreshTimeout = 0
	}
	return c
}

type Option func(*Registry)

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

type pendingRefresh struct {
	timer *time.Timer
}

// Registry keeps a sorted, diffed view of the server's sinks. Positions are
// assigned once at load time by description order and never move.
type Registry struct {
	backend Backend
	cfg     Config
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	loadMu sync.Mutex
	loaded bool

	mu          sync.Mutex
	raw         []schema.Sink
	views       []Projection
	byIndex     map[uint32]int
	timers      map[uint32]*pendingRefresh
	fetchSeq    uint64
	applied     map[uint32]uint64
	lastActive  int
	subs        map[int]chan Change
	nextSub     int
	cancelNotes func()
	closed      bool
	wg          sync.WaitGroup
}

func New(backend Backend, cfg Config, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		backend:    backend,
		cfg:        cfg.WithDefaults(),
		ctx:        ctx,
		cancel:     cancel,
		byIndex:    make(map[uint32]int),
		timers:     make(map[uint32]*pendingRefresh),
		applied:    make(map[uint32]uint64),
		lastActive: -1,
		subs:       make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load performs the initial fetch if it has not succeeded yet. Every read and
// mutator calls it, so explicit use is optional.
func (r *Registry) Load(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.isClosed() {
		return ErrClosed
	}
	if r.loaded {
		return nil
	}

	if err := r.backend.WaitReady(ctx); err != nil {
		return fmt.Errorf("sinks: wait ready: %w", err)
	}
	list, err := r.backend.ListSinks(ctx)
	if err != nil {
		return fmt.Errorf("sinks: list: %w", err)
	}
	SortByDescription(list)

	notes, cancelNotes, err := r.backend.Notifications(ctx, r.cfg.NotificationBuffer)
	if err != nil {
		return fmt.Errorf("sinks: notifications: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancelNotes()
		return ErrClosed
	}
	r.raw = list
	r.views = make([]Projection, len(list))
	r.byIndex = make(map[uint32]int, len(list))
	r.lastActive = -1
	for pos, s := range list {
		r.views[pos] = Project(pos, s)
		r.byIndex[s.Index] = pos
		if r.lastActive < 0 && r.views[pos].Running() {
			r.lastActive = pos
		}
	}
	r.cancelNotes = cancelNotes
	r.wg.Add(1)
	r.mu.Unlock()
	go r.watch(notes)

	if err := r.backend.Subscribe(ctx, schema.SubscriptionMaskSink); err != nil {
		r.mu.Lock()
		r.cancelNotes = nil
		r.mu.Unlock()
		cancelNotes()
		return fmt.Errorf("sinks: subscribe: %w", err)
	}
	r.loaded = true
	logging.Infof("sinks.Registry.Load sinks=%d last_active=%d", len(list), r.lastActive)
	return nil
}

// SortByDescription orders sinks by description using a locale-aware
// collation. Equal descriptions keep their server order.
func SortByDescription(list []schema.Sink) {
	c := collate.New(language.Und)
	sort.SliceStable(list, func(i, j int) bool {
		return c.CompareString(list[i].Description, list[j].Description) < 0
	})
}

func (r *Registry) watch(notes <-chan session.Notification) {
	defer r.wg.Done()
	for n := range notes {
		switch n := n.(type) {
		case session.SinkChanged:
			r.schedule(n.Index)
		case session.ConnectionClosed:
			logging.Warnf("sinks.Registry.watch connection closed err=%v", n.Err)
		}
	}
}

func (r *Registry) schedule(index uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.byIndex[index]; !ok {
		logging.Debugf("sinks.Registry.schedule unknown index=%d dropped", index)
		return
	}
	if p, ok := r.timers[index]; ok && p.timer.Stop() {
		p.timer.Reset(r.cfg.Debounce)
		return
	}
	p := &pendingRefresh{}
	r.timers[index] = p
	p.timer = time.AfterFunc(r.cfg.Debounce, func() { r.refresh(index, p) })
}

func (r *Registry) refresh(index uint32, p *pendingRefresh) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.timers[index] == p {
		delete(r.timers, index)
	}
	r.fetchSeq++
	seq := r.fetchSeq
	r.mu.Unlock()

	ctx := r.ctx
	if r.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RefreshTimeout)
		defer cancel()
	}
	sink, err := r.backend.Sink(ctx, schema.ByIndex(index))
	if err != nil {
		r.metrics.SinkRefreshFailed()
		logging.Warnf("sinks.Registry.refresh index=%d err=%v", index, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.byIndex[index]
	if !ok || r.closed {
		return
	}
	// A fetch issued later for the same index already landed.
	if seq < r.applied[index] {
		logging.Debugf("sinks.Registry.refresh index=%d stale fetch seq=%d dropped", index, seq)
		return
	}
	r.applied[index] = seq
	old := r.views[pos]
	cur := Project(pos, sink)
	r.raw[pos] = sink
	r.views[pos] = cur
	if cur.Running() && !old.Running() {
		r.lastActive = pos
	}

	fields := Diff(old, cur)
	if len(fields) == 0 {
		logging.Tracef("sinks.Registry.refresh index=%d unchanged", index)
		return
	}
	for f := range fields {
		r.metrics.SinkFieldChanged(string(f))
	}
	change := Change{Position: pos, Fields: fields, Sink: cur}
	logging.Debugf("sinks.Registry.refresh position=%d index=%d changed=%d", pos, index, len(fields))
	for id, ch := range r.subs {
		select {
		case ch <- change:
		default:
			r.metrics.NotificationDropped("sink_change")
			logging.Warnf("sinks.Registry.refresh subscriber=%d full, change dropped position=%d", id, pos)
		}
	}
}

// Subscribe returns a channel of sink changes and a cancel func. The channel
// is closed by cancel or Close.
func (r *Registry) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Change, buffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
}

// Sinks returns every projection in position order.
func (r *Registry) Sinks(ctx context.Context) ([]Projection, error) {
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Projection(nil), r.views...), nil
}

// Sink returns the projection at pos.
func (r *Registry) Sink(ctx context.Context, pos int) (Projection, error) {
	if err := r.Load(ctx); err != nil {
		return Projection{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos < 0 || pos >= len(r.views) {
		return Projection{}, fmt.Errorf("%w: %d", ErrUnknownSink, pos)
	}
	return r.views[pos], nil
}

// Raw returns the full cached sink at pos.
func (r *Registry) Raw(ctx context.Context, pos int) (schema.Sink, error) {
	if err := r.Load(ctx); err != nil {
		return schema.Sink{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos < 0 || pos >= len(r.raw) {
		return schema.Sink{}, fmt.Errorf("%w: %d", ErrUnknownSink, pos)
	}
	return r.raw[pos], nil
}

// Volume returns the cached volume percentage at pos.
func (r *Registry) Volume(ctx context.Context, pos int) (int, error) {
	p, err := r.Sink(ctx, pos)
	if err != nil {
		return 0, err
	}
	return p.Volume, nil
}

// ActiveOrDefault returns the position that last started playing if it is
// still running, else position 0.
func (r *Registry) ActiveOrDefault(ctx context.Context) (int, error) {
	if err := r.Load(ctx); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return 0, fmt.Errorf("%w: no sinks", ErrUnknownSink)
	}
	if r.lastActive >= 0 && r.views[r.lastActive].Running() {
		return r.lastActive, nil
	}
	return 0, nil
}

func (r *Registry) SetMute(ctx context.Context, pos int, mute bool) error {
	p, err := r.Sink(ctx, pos)
	if err != nil {
		return err
	}
	return r.backend.SetSinkMute(ctx, schema.ByIndex(p.Index), mute)
}

// ToggleMute inverts the cached mute state of pos.
func (r *Registry) ToggleMute(ctx context.Context, pos int) error {
	p, err := r.Sink(ctx, pos)
	if err != nil {
		return err
	}
	return r.backend.SetSinkMute(ctx, schema.ByIndex(p.Index), !p.Mute)
}

// SetVolume sets every channel of pos to percent of the sink's base volume.
func (r *Registry) SetVolume(ctx context.Context, pos int, percent int) error {
	s, err := r.Raw(ctx, pos)
	if err != nil {
		return err
	}
	p := Project(pos, s)
	cv := UniformVolume(p.Channels, percent, s.BaseVolume)
	logging.Debugf("sinks.Registry.SetVolume position=%d index=%d percent=%d", pos, s.Index, clampPercent(percent))
	return r.backend.SetSinkVolume(ctx, schema.ByIndex(s.Index), cv)
}

// UpdateVolume moves pos by delta percentage points from its cached volume.
func (r *Registry) UpdateVolume(ctx context.Context, pos int, delta int) error {
	p, err := r.Sink(ctx, pos)
	if err != nil {
		return err
	}
	return r.SetVolume(ctx, pos, p.Volume+delta)
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close stops pending refreshes, detaches from the backend and closes every
// subscriber channel.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for index, p := range r.timers {
		p.timer.Stop()
		delete(r.timers, index)
	}
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	cancelNotes := r.cancelNotes
	r.cancelNotes = nil
	r.mu.Unlock()

	r.cancel()
	if cancelNotes != nil {
		cancelNotes()
	}
	r.wg.Wait()
	return nil
}
