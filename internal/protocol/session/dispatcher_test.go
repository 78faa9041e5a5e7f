package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/balena-io-experimental/audio/internal/protocol"
	"github.com/balena-io-experimental/audio/internal/protocol/frame"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
	"github.com/balena-io-experimental/audio/internal/testutil/paserver"
	"github.com/balena-io-experimental/audio/internal/testutil/testlog"
)

const wait = 2 * time.Second

func startDispatcher(t *testing.T, cfg Config, opts ...Option) (*paserver.Server, *Dispatcher) {
	t.Helper()
	srv, conn := paserver.New(t)
	d := NewDispatcher(conn, cfg, opts...)
	d.Start()
	t.Cleanup(func() { _ = d.Close() })
	return srv, d
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	t.Cleanup(cancel)
	return ctx
}

func TestHandshake(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	srv.SetSinks(paserver.Sink(0, "Speakers"))

	res, err := Handshake(ctxWithTimeout(t), d, HandshakeConfig{Cookie: make([]byte, 256), Props: ClientProps("test")})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.ServerVersion != schema.ProtocolVersion || res.ClientIndex != 7 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Server.DefaultSinkName != "alsa_output.0.analog-stereo" {
		t.Fatalf("unexpected server info %+v", res.Server)
	}
}

func TestHandshakeRejectsOldServer(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	srv.SetVersion(13)
	_, err := Handshake(ctxWithTimeout(t), d, HandshakeConfig{})
	if !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("expected ErrIncompatibleVersion, got %v", err)
	}
	if srv.Count(schema.CommandSetClientName) != 0 {
		t.Fatalf("client name must not be sent after a failed version check")
	}
}

func TestOutOfOrderRepliesResolveTheirOwnCallers(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	srv.Handle(schema.CommandGetSinkInfo, nil)

	names := []string{"A", "B", "C"}
	calls := make([]*Call, len(names))
	reqs := make([]paserver.Request, len(names))
	for i := range names {
		c, err := d.Send(schema.CommandGetSinkInfo, schema.GetSinkInfoRequest(schema.ByIndex(uint32(i)))...)
		if err != nil {
			t.Fatalf("send %s: %v", names[i], err)
		}
		calls[i] = c
		req, ok := srv.Next(wait)
		if !ok {
			t.Fatalf("request %s never arrived", names[i])
		}
		reqs[i] = req
	}

	for _, i := range []int{2, 0, 1} {
		srv.Reply(reqs[i].Tag, paserver.Sink(uint32(i), names[i]).Values()...)
	}
	for i, c := range calls {
		reply, err := c.Wait(ctxWithTimeout(t))
		if err != nil {
			t.Fatalf("wait %s: %v", names[i], err)
		}
		got := reply.(schema.SinkInfoReply).Sink.Description
		if got != names[i] {
			t.Fatalf("caller %s got sink %s", names[i], got)
		}
	}
	if d.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", d.Pending())
	}
}

func TestRequestTagsWrapOnTheWire(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig(), WithFirstTag(0xFFFFFFFF))
	srv.Handle(schema.CommandSubscribe, nil)

	var calls []*Call
	for _, want := range []uint32{0xFFFFFFFF, 0} {
		c, err := d.Send(schema.CommandSubscribe, schema.SubscribeRequest(schema.SubscriptionMaskSink)...)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		req, ok := srv.Next(wait)
		if !ok {
			t.Fatalf("request never arrived")
		}
		if req.Tag != want || c.Tag != want {
			t.Fatalf("expected tag %d, got wire=%d call=%d", want, req.Tag, c.Tag)
		}
		calls = append(calls, c)
	}
	for _, c := range calls {
		srv.Reply(c.Tag)
		if _, err := c.Wait(ctxWithTimeout(t)); err != nil {
			t.Fatalf("wait tag=%d: %v", c.Tag, err)
		}
	}
}

func TestErrorReplyRejectsWithServerError(t *testing.T) {
	testlog.Start(t)
	_, d := startDispatcher(t, DefaultConfig())
	_, err := d.Request(ctxWithTimeout(t), schema.CommandGetSinkInfo, schema.GetSinkInfoRequest(schema.ByName("missing"))...)
	if !errors.Is(err, schema.ErrNoSuchEntity) {
		t.Fatalf("expected ErrNoSuchEntity, got %v", err)
	}
	if protocol.IsFatal(err) {
		t.Fatalf("server errors must not be fatal")
	}
}

func TestReplyDecodeFailureRejectsOnlyThatRequest(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	srv.Handle(schema.CommandGetSinkInfo, func(s *paserver.Server, req paserver.Request) {
		s.Reply(req.Tag, tagstruct.U8(1))
	})
	_, err := d.Request(ctxWithTimeout(t), schema.CommandGetSinkInfo, schema.GetSinkInfoRequest(schema.ByIndex(0))...)
	if !errors.Is(err, protocol.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if _, err := d.Request(ctxWithTimeout(t), schema.CommandSubscribe, schema.SubscribeRequest(schema.SubscriptionMaskSink)...); err != nil {
		t.Fatalf("connection should survive a bad reply body: %v", err)
	}
}

func TestOversizedRequestIsRejectedLocally(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Limits = frame.Limits{MaxPayloadBytes: 256}
	srv, d := startDispatcher(t, cfg)

	var props tagstruct.PropList
	props.SetText("application.name", strings.Repeat("x", 1024))
	_, err := d.Send(schema.CommandSetClientName, schema.SetClientNameRequest(props)...)
	if !errors.Is(err, ErrRequestTooLarge) || !errors.Is(err, protocol.ErrUsage) {
		t.Fatalf("expected ErrRequestTooLarge, got %v", err)
	}
	if protocol.IsFatal(err) {
		t.Fatalf("oversized request must not be fatal: %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("rejected request left %d pending", d.Pending())
	}
	select {
	case <-d.Done():
		t.Fatalf("connection torn down: %v", d.Err())
	default:
	}
	if srv.Count(schema.CommandSetClientName) != 0 {
		t.Fatalf("oversized request reached the server")
	}

	if _, err := d.Request(ctxWithTimeout(t), schema.CommandGetSinkInfoList); err != nil {
		t.Fatalf("follow-up request failed: %v", err)
	}
}

func TestUnknownReplyTagTearsDown(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	srv.Handle(schema.CommandGetSinkInfo, nil)
	call, err := d.Send(schema.CommandGetSinkInfo, schema.GetSinkInfoRequest(schema.ByIndex(0))...)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := srv.Next(wait); !ok {
		t.Fatalf("request never arrived")
	}
	srv.Reply(call.Tag + 1000)

	select {
	case <-d.Done():
	case <-time.After(wait):
		t.Fatalf("dispatcher did not tear down")
	}
	if !errors.Is(d.Err(), ErrUnknownTag) || !errors.Is(d.Err(), protocol.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", d.Err())
	}
	if _, err := call.Wait(ctxWithTimeout(t)); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("pending call should fail with connection closed, got %v", err)
	}
	if _, err := d.Send(schema.CommandSubscribe); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("send after teardown should fail, got %v", err)
	}
}

func TestDisconnectFailsPendingAndNotifies(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	srv.Handle(schema.CommandGetSinkInfoList, nil)
	notes, cancel := d.Subscribe(8)
	defer cancel()

	call, err := d.Send(schema.CommandGetSinkInfoList)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := srv.Next(wait); !ok {
		t.Fatalf("request never arrived")
	}
	srv.Close()

	if _, err := call.Wait(ctxWithTimeout(t)); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("expected connection closed, got %v", err)
	}
	var sawClosed bool
	for n := range notes {
		if _, ok := n.(ConnectionClosed); ok {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatalf("expected ConnectionClosed before the channel closed")
	}
}

func TestPrematureEndIsTransportError(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	partial := frame.Encode(frame.Control([]byte{'L', 0, 0, 0, 2}))
	srv.WriteRaw(partial[:len(partial)-2])
	srv.Close()

	select {
	case <-d.Done():
	case <-time.After(wait):
		t.Fatalf("dispatcher did not tear down")
	}
	if !errors.Is(d.Err(), frame.ErrStreamEnded) || !errors.Is(d.Err(), protocol.ErrTransport) {
		t.Fatalf("expected premature end, got %v", d.Err())
	}
}

func TestSinkChangeEventsArePublishedOthersDropped(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	notes, cancel := d.Subscribe(8)
	defer cancel()

	srv.Event(schema.SubscriptionEvent{Facility: schema.FacilitySource, Type: schema.EventChange, Index: 1})
	srv.Event(schema.SubscriptionEvent{Facility: schema.FacilitySink, Type: schema.EventNew, Index: 2})
	srv.SinkChange(3)

	select {
	case n := <-notes:
		sc, ok := n.(SinkChanged)
		if !ok || sc.Index != 3 {
			t.Fatalf("expected SinkChanged{3}, got %#v", n)
		}
	case <-time.After(wait):
		t.Fatalf("no notification")
	}
	select {
	case n := <-notes:
		t.Fatalf("unexpected extra notification %#v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestTimeoutDropsLateReply(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	srv, d := startDispatcher(t, cfg)
	srv.Handle(schema.CommandGetSinkInfoList, nil)

	_, err := d.Request(ctxWithTimeout(t), schema.CommandGetSinkInfoList)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	req, ok := srv.Next(wait)
	if !ok {
		t.Fatalf("request never arrived")
	}
	srv.Reply(req.Tag)

	if _, err := d.Request(ctxWithTimeout(t), schema.CommandSubscribe, schema.SubscribeRequest(schema.SubscriptionMaskSink)...); err != nil {
		t.Fatalf("late reply must not break the connection: %v", err)
	}
	select {
	case <-d.Done():
		t.Fatalf("dispatcher tore down: %v", d.Err())
	default:
	}
}

func TestReplyResolvedNotifications(t *testing.T) {
	testlog.Start(t)
	_, d := startDispatcher(t, DefaultConfig())
	notes, cancel := d.Subscribe(8)
	defer cancel()

	if _, err := d.Request(ctxWithTimeout(t), schema.CommandSubscribe, schema.SubscribeRequest(schema.SubscriptionMaskSink)...); err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case n := <-notes:
		rr, ok := n.(ReplyResolved)
		if !ok || rr.Command != schema.CommandSubscribe || rr.Err != nil {
			t.Fatalf("unexpected notification %#v", n)
		}
	case <-time.After(wait):
		t.Fatalf("no notification")
	}
}

func TestEventSubscribersSkipReplyNotifications(t *testing.T) {
	testlog.Start(t)
	srv, d := startDispatcher(t, DefaultConfig())
	events, cancel := d.SubscribeEvents(1)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := d.Request(ctxWithTimeout(t), schema.CommandSubscribe, schema.SubscribeRequest(schema.SubscriptionMaskSink)...); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	srv.SinkChange(5)

	select {
	case n := <-events:
		sc, ok := n.(SinkChanged)
		if !ok || sc.Index != 5 {
			t.Fatalf("expected SinkChanged{5}, got %#v", n)
		}
	case <-time.After(wait):
		t.Fatalf("sink event dropped")
	}
}
