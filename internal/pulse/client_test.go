package pulse

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/balena-io-experimental/audio/internal/observability"
	"github.com/balena-io-experimental/audio/internal/protocol"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/session"
	"github.com/balena-io-experimental/audio/internal/sinks"
	"github.com/balena-io-experimental/audio/internal/testutil/metricstest"
	"github.com/balena-io-experimental/audio/internal/testutil/paserver"
	"github.com/balena-io-experimental/audio/internal/testutil/testlog"
)

const wait = 2 * time.Second

var errDialRefused = errors.New("connection refused")

// pipeDialer hands out paserver connections after failing the first
// failures dials.
type pipeDialer struct {
	t        *testing.T
	failures int
	setup    func(*paserver.Server)

	mu      sync.Mutex
	dials   int
	servers []*paserver.Server
}

func (p *pipeDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if p.dials <= p.failures {
		return nil, errDialRefused
	}
	srv, conn := paserver.New(p.t)
	srv.SetSinks(paserver.Sink(0, "Zeta"), paserver.Sink(1, "Alpha"), paserver.Sink(2, "Mid"))
	if p.setup != nil {
		p.setup(srv)
	}
	p.servers = append(p.servers, srv)
	return conn, nil
}

func (p *pipeDialer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func (p *pipeDialer) server() *paserver.Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.servers[len(p.servers)-1]
}

func testConfig(p *pipeDialer) Config {
	cfg := DefaultConfig()
	cfg.Server = "tcp:paserver:4713"
	cfg.Cookie = make([]byte, CookieLen)
	cfg.ClientName = "audio-test"
	cfg.Dial = p.dial
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func connect(t *testing.T, p *pipeDialer, cfg Config) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	c, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectAndSinkOperations(t *testing.T) {
	testlog.Start(t)
	p := &pipeDialer{t: t}
	c := connect(t, p, testConfig(p))
	ctx := ctxWithTimeout(t)

	info := c.Info()
	if info.ServerVersion != schema.ProtocolVersion || info.Server.PackageName != "pulseaudio" {
		t.Fatalf("unexpected handshake result %+v", info)
	}
	if name, _ := c.DefaultSink().Name(); name != "alsa_output.0.analog-stereo" {
		t.Fatalf("unexpected default sink %q", name)
	}

	list, err := c.ListSinks(ctx)
	if err != nil || len(list) != 3 {
		t.Fatalf("list sinks: %d %v", len(list), err)
	}
	s, err := c.Sink(ctx, schema.ByName("alsa_output.2.analog-stereo"))
	if err != nil || s.Description != "Mid" {
		t.Fatalf("sink by name: %+v %v", s, err)
	}
	if _, err := c.Sink(ctx, schema.ByIndex(42)); !errors.Is(err, schema.ErrNoSuchEntity) {
		t.Fatalf("expected ErrNoSuchEntity, got %v", err)
	}

	if v, err := c.Volume(ctx, c.DefaultSink()); err != nil || v != 50 {
		t.Fatalf("volume: %d %v", v, err)
	}
	if err := c.SetVolume(ctx, c.DefaultSink(), 75); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if v, _ := c.Volume(ctx, schema.ByIndex(0)); v != 75 {
		t.Fatalf("volume after set: %d", v)
	}
	if err := c.SetSinkMute(ctx, schema.ByIndex(1), true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if s, _ := c.Sink(ctx, schema.ByIndex(1)); !s.Mute {
		t.Fatalf("sink 1 should be muted")
	}

	srvInfo, err := c.ServerInfo(ctx)
	if err != nil || srvInfo.Host != "paserver" {
		t.Fatalf("server info: %+v %v", srvInfo, err)
	}
}

func TestConnectRetriesDialFailures(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	p := &pipeDialer{t: t, failures: 2}
	cfg := testConfig(p)
	cfg.Metrics = observability.NewMetrics(reg)
	_ = connect(t, p, cfg)

	if p.count() != 3 {
		t.Fatalf("expected 3 dials, got %d", p.count())
	}
	if got := metricstest.Value(t, reg, "audio_client_connect_attempts_total", map[string]string{"outcome": "error"}); got != 2 {
		t.Fatalf("error attempts=%v", got)
	}
	if got := metricstest.Value(t, reg, "audio_client_connect_attempts_total", map[string]string{"outcome": "ok"}); got != 1 {
		t.Fatalf("ok attempts=%v", got)
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	p := &pipeDialer{t: t, failures: 100}
	cfg := testConfig(p)
	cfg.MaxConnectAttempts = 2

	_, err := Connect(ctxWithTimeout(t), cfg)
	if !errors.Is(err, errDialRefused) || !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected dial failure, got %v", err)
	}
	if p.count() != 2 {
		t.Fatalf("expected 2 dials, got %d", p.count())
	}
}

func TestConnectDoesNotRetryRejections(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name  string
		setup func(*paserver.Server)
		want  error
	}{
		{
			name:  "old_server",
			setup: func(s *paserver.Server) { s.SetVersion(13) },
			want:  session.ErrIncompatibleVersion,
		},
		{
			name: "access_denied",
			setup: func(s *paserver.Server) {
				s.Handle(schema.CommandAuth, func(s *paserver.Server, req paserver.Request) {
					s.Error(req.Tag, schema.ErrAccessDenied)
				})
			},
			want: schema.ErrAccessDenied,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &pipeDialer{t: t, setup: tc.setup}
			_, err := Connect(ctxWithTimeout(t), testConfig(p))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if p.count() != 1 {
				t.Fatalf("rejections must not be retried, dials=%d", p.count())
			}
		})
	}
}

func TestOpenWaitReadyHonoursContext(t *testing.T) {
	testlog.Start(t)
	p := &pipeDialer{t: t, failures: 1 << 30}
	cfg := testConfig(p)
	cfg.Session.Backoff.InitialDelay = time.Hour
	cfg.Session.Backoff.MaxDelay = time.Hour
	c := Open(context.Background(), cfg)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, err := c.ListSinks(ctx); err == nil {
		t.Fatalf("operations before ready must fail with the caller's context")
	}

	_ = c.Close()
	select {
	case <-c.Ready():
	case <-time.After(wait):
		t.Fatalf("close should abort the connect loop")
	}
	if err := c.WaitReady(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestRegistryOverClient(t *testing.T) {
	testlog.Start(t)
	p := &pipeDialer{t: t}
	c := connect(t, p, testConfig(p))
	reg := sinks.New(c, sinks.Config{Debounce: 20 * time.Millisecond})
	t.Cleanup(func() { _ = reg.Close() })
	ctx := ctxWithTimeout(t)

	list, err := reg.Sinks(ctx)
	if err != nil {
		t.Fatalf("sinks: %v", err)
	}
	if list[0].Description != "Alpha" || list[1].Description != "Mid" || list[2].Description != "Zeta" {
		t.Fatalf("unexpected order %+v", list)
	}
	if p.server().Subscribed() != schema.SubscriptionMaskSink {
		t.Fatalf("registry should subscribe to sinks, got %v", p.server().Subscribed())
	}

	changes, cancel := reg.Subscribe(4)
	defer cancel()
	if err := reg.SetVolume(ctx, 0, 100); err != nil {
		t.Fatalf("set volume: %v", err)
	}

	select {
	case ch := <-changes:
		if ch.Position != 0 || ch.Sink.Index != 1 || ch.Sink.Volume != 100 || !ch.Has(sinks.FieldVolume) {
			t.Fatalf("unexpected change %+v", ch)
		}
	case <-time.After(wait):
		t.Fatalf("no change after volume set")
	}
	if v, _ := reg.Volume(ctx, 0); v != 100 {
		t.Fatalf("cache not refreshed, volume=%d", v)
	}
}
