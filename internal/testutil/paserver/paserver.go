// Package paserver is a scripted in-process PulseAudio server for tests.
//
// It speaks the native framing over one end of a net.Pipe, answers the
// handshake, keeps an in-memory sink table, and lets tests inject replies,
// errors and subscription events by hand.
package paserver

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/balena-io-experimental/audio/internal/protocol/frame"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// Request is one decoded client request.
type Request struct {
	Command schema.Command
	Tag     uint32
	Body    []byte
}

// Reader returns a reader over the request body.
func (r Request) Reader() *tagstruct.Reader { return tagstruct.NewReader(r.Body) }

type HandlerFunc func(s *Server, req Request)

type Server struct {
	t    testing.TB
	conn net.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	handlers   map[schema.Command]HandlerFunc
	counts     map[schema.Command]int
	sinks      []schema.Sink
	subscribed schema.SubscriptionMask
	version    uint32

	unhandled chan Request
	done      chan struct{}
}

// New returns a server with the default handlers installed and the client
// end of the pipe.
func New(t testing.TB) (*Server, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	s := &Server{
		t:         t,
		conn:      serverConn,
		handlers:  make(map[schema.Command]HandlerFunc),
		counts:    make(map[schema.Command]int),
		version:   schema.ProtocolVersion,
		unhandled: make(chan Request, 64),
		done:      make(chan struct{}),
	}
	s.installDefaults()
	go s.loop()
	t.Cleanup(func() {
		s.Close()
		_ = clientConn.Close()
	})
	return s, clientConn
}

func (s *Server) installDefaults() {
	s.handlers[schema.CommandAuth] = func(s *Server, req Request) {
		s.Reply(req.Tag, tagstruct.U32(s.Version()))
	}
	s.handlers[schema.CommandSetClientName] = func(s *Server, req Request) {
		s.Reply(req.Tag, tagstruct.U32(7))
	}
	s.handlers[schema.CommandGetServerInfo] = func(s *Server, req Request) {
		info := schema.ServerInfo{
			PackageName:     "pulseaudio",
			PackageVersion:  "16.1",
			User:            "test",
			Host:            "paserver",
			SampleSpec:      tagstruct.SampleSpec{Format: 3, Channels: 2, Rate: 48000},
			DefaultSinkName: s.defaultSinkName(),
			ChannelMap:      tagstruct.ChannelMap{1, 2},
		}
		s.Reply(req.Tag, info.Values()...)
	}
	s.handlers[schema.CommandSubscribe] = func(s *Server, req Request) {
		mask, err := req.Reader().U32()
		if err != nil {
			s.Error(req.Tag, schema.ErrInvalidArgument)
			return
		}
		s.mu.Lock()
		s.subscribed = schema.SubscriptionMask(mask)
		s.mu.Unlock()
		s.Reply(req.Tag)
	}
	s.handlers[schema.CommandGetSinkInfoList] = func(s *Server, req Request) {
		var vals []tagstruct.Value
		for _, sink := range s.Sinks() {
			vals = append(vals, sink.Values()...)
		}
		s.Reply(req.Tag, vals...)
	}
	s.handlers[schema.CommandGetSinkInfo] = func(s *Server, req Request) {
		id, err := req.Reader().SinkID()
		if err != nil {
			s.Error(req.Tag, schema.ErrInvalidArgument)
			return
		}
		sink, ok := s.lookup(id)
		if !ok {
			s.Error(req.Tag, schema.ErrNoSuchEntity)
			return
		}
		s.Reply(req.Tag, sink.Values()...)
	}
	s.handlers[schema.CommandSetSinkVolume] = func(s *Server, req Request) {
		r := req.Reader()
		id, err := r.SinkID()
		if err != nil {
			s.Error(req.Tag, schema.ErrInvalidArgument)
			return
		}
		volume, err := r.CVolume()
		if err != nil {
			s.Error(req.Tag, schema.ErrInvalidArgument)
			return
		}
		s.mutate(req.Tag, id, func(sink *schema.Sink) { sink.Volume = volume })
	}
	s.handlers[schema.CommandSetSinkMute] = func(s *Server, req Request) {
		r := req.Reader()
		id, err := r.SinkID()
		if err != nil {
			s.Error(req.Tag, schema.ErrInvalidArgument)
			return
		}
		mute, err := r.Bool()
		if err != nil {
			s.Error(req.Tag, schema.ErrInvalidArgument)
			return
		}
		s.mutate(req.Tag, id, func(sink *schema.Sink) { sink.Mute = mute })
	}
}

// mutate applies fn to the addressed sink, acks, and emits a change event
// when the client subscribed to sinks.
func (s *Server) mutate(tag uint32, id tagstruct.SinkID, fn func(*schema.Sink)) {
	s.mu.Lock()
	idx := -1
	for i := range s.sinks {
		if matches(s.sinks[i], id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.Error(tag, schema.ErrNoSuchEntity)
		return
	}
	fn(&s.sinks[idx])
	index := s.sinks[idx].Index
	notify := s.subscribed&schema.SubscriptionMaskSink != 0
	s.mu.Unlock()

	s.Reply(tag)
	if notify {
		s.Event(schema.SubscriptionEvent{Facility: schema.FacilitySink, Type: schema.EventChange, Index: index})
	}
}

func matches(sink schema.Sink, id tagstruct.SinkID) bool {
	if id.Index != tagstruct.InvalidIndex {
		return sink.Index == id.Index
	}
	return sink.Name == id.Name
}

func (s *Server) lookup(id tagstruct.SinkID) (schema.Sink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.sinks {
		if matches(sink, id) {
			return sink, true
		}
	}
	return schema.Sink{}, false
}

func (s *Server) defaultSinkName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sinks) == 0 {
		return ""
	}
	return s.sinks[0].Name
}

func (s *Server) loop() {
	defer close(s.done)
	for {
		f, err := frame.ReadFrame(s.conn, frame.DefaultLimits())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.t.Logf("paserver: read: %v", err)
			}
			return
		}
		r := tagstruct.NewReader(f.Payload)
		cmd, err := r.U32()
		if err != nil {
			s.t.Errorf("paserver: request command: %v", err)
			return
		}
		tag, err := r.U32()
		if err != nil {
			s.t.Errorf("paserver: request tag: %v", err)
			return
		}
		req := Request{Command: schema.Command(cmd), Tag: tag, Body: r.Rest()}

		s.mu.Lock()
		s.counts[req.Command]++
		h := s.handlers[req.Command]
		s.mu.Unlock()

		if h != nil {
			h(s, req)
			continue
		}
		select {
		case s.unhandled <- req:
		default:
			s.t.Errorf("paserver: unhandled request queue full, dropped %s", req.Command)
		}
	}
}

// Handle replaces the handler for cmd. A nil fn routes requests to Next.
func (s *Server) Handle(cmd schema.Command, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.handlers, cmd)
		return
	}
	s.handlers[cmd] = fn
}

// Next returns the next request that had no handler.
func (s *Server) Next(timeout time.Duration) (Request, bool) {
	select {
	case req := <-s.unhandled:
		return req, true
	case <-time.After(timeout):
		return Request{}, false
	}
}

func (s *Server) Count(cmd schema.Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[cmd]
}

func (s *Server) SetVersion(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

func (s *Server) Version() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Server) Subscribed() schema.SubscriptionMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

func (s *Server) SetSinks(sinks ...schema.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append([]schema.Sink(nil), sinks...)
}

func (s *Server) Sinks() []schema.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Sink(nil), s.sinks...)
}

// UpdateSink edits a sink in place without emitting an event.
func (s *Server) UpdateSink(index uint32, fn func(*schema.Sink)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sinks {
		if s.sinks[i].Index == index {
			fn(&s.sinks[i])
			return true
		}
	}
	return false
}

func (s *Server) send(cmd schema.Command, tag uint32, values ...tagstruct.Value) {
	payload, err := tagstruct.Marshal(append(schema.Header(cmd, tag), values...)...)
	if err != nil {
		s.t.Errorf("paserver: marshal %s: %v", cmd, err)
		return
	}
	s.WriteRaw(frame.Encode(frame.Control(payload)))
}

// WriteRaw writes bytes to the client unchanged.
func (s *Server) WriteRaw(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(b); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.t.Logf("paserver: write: %v", err)
	}
}

func (s *Server) Reply(tag uint32, values ...tagstruct.Value) {
	s.send(schema.CommandReply, tag, values...)
}

func (s *Server) Error(tag uint32, code schema.ServerError) {
	s.send(schema.CommandError, tag, tagstruct.U32(code))
}

func (s *Server) Event(ev schema.SubscriptionEvent) {
	s.send(schema.CommandSubscribeEvent, schema.NoTag, schema.SubscriptionEventValues(ev)...)
}

// SinkChange emits a sink change event for index.
func (s *Server) SinkChange(index uint32) {
	s.Event(schema.SubscriptionEvent{Facility: schema.FacilitySink, Type: schema.EventChange, Index: index})
}

// Close drops the connection.
func (s *Server) Close() {
	_ = s.conn.Close()
	<-s.done
}
