package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/observability"
	"github.com/balena-io-experimental/audio/internal/protocol"
	"github.com/balena-io-experimental/audio/internal/protocol/frame"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

var (
	ErrClosedByClient  = fmt.Errorf("%w: closed by client", protocol.ErrConnectionClosed)
	ErrRequestTimeout  = errors.New("session: request timed out")
	ErrRequestTooLarge = fmt.Errorf("%w: session: request exceeds payload limit", protocol.ErrUsage)
	ErrUnknownTag      = fmt.Errorf("%w: session: reply for unknown request tag", protocol.ErrIntegrity)
	ErrMalformedPacket = fmt.Errorf("%w: session: malformed packet header", protocol.ErrIntegrity)
)

type Option func(*Dispatcher)

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithFirstTag sets the first request tag. Used to exercise wrap-around.
func WithFirstTag(tag uint32) Option {
	return func(d *Dispatcher) { d.pending = newPendingTable(tag) }
}

// Dispatcher owns one connection: it writes requests, matches replies to
// them by tag, and publishes events.
type Dispatcher struct {
	conn    io.ReadWriteCloser
	cfg     Config
	metrics *observability.Metrics
	decoder *frame.Decoder
	pending *pendingTable
	hub     *hub

	writeMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

func NewDispatcher(conn io.ReadWriteCloser, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.WithDefaults()
	d := &Dispatcher{
		conn:    conn,
		cfg:     cfg,
		decoder: frame.NewDecoder(cfg.Limits),
		pending: newPendingTable(0),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.hub = newHub(d.metrics)
	return d
}

// Start launches the read loop. Calling it more than once is a no-op.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.readLoop()
	})
}

// Done is closed after teardown.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err returns the teardown cause, or nil while the connection is up.
func (d *Dispatcher) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// Close tears the connection down and fails every pending request.
func (d *Dispatcher) Close() error {
	d.teardown(ErrClosedByClient)
	return nil
}

// Subscribe returns a notification channel and a cancel func. The channel
// is closed on cancel or after the ConnectionClosed notification.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = d.cfg.SubscriberBuffer
	}
	return d.hub.add(buffer, true)
}

// SubscribeEvents is Subscribe without ReplyResolved, so request traffic
// never fills the buffer ahead of sink events.
func (d *Dispatcher) SubscribeEvents(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = d.cfg.SubscriberBuffer
	}
	return d.hub.add(buffer, false)
}

// Pending returns the number of requests awaiting a reply.
func (d *Dispatcher) Pending() int { return d.pending.len() }

// Send registers a request under a fresh tag and writes it. The reply is
// delivered through the returned Call.
func (d *Dispatcher) Send(command schema.Command, body ...tagstruct.Value) (*Call, error) {
	call, err := d.pending.register(command)
	if err != nil {
		return nil, err
	}
	values := append(schema.Header(command, call.Tag), body...)
	payload, err := tagstruct.Marshal(values...)
	if err != nil {
		d.pending.take(call.Tag)
		return nil, fmt.Errorf("session: encode %s: %w", command, err)
	}
	// Nothing has been written yet, so the connection is still usable.
	if limit := d.cfg.Limits.MaxPayloadBytes; limit > 0 && uint64(len(payload)) > uint64(limit) {
		d.pending.take(call.Tag)
		return nil, fmt.Errorf("%w: %s %d bytes, limit %d", ErrRequestTooLarge, command, len(payload), limit)
	}

	d.metrics.RequestSent(command.String())
	logging.Tracef("session.Dispatcher.Send command=%s tag=%d bytes=%d", command, call.Tag, len(payload))
	if err := d.write(payload); err != nil {
		if _, ok := d.pending.take(call.Tag); ok {
			d.settle(call, nil, err)
		}
		d.teardown(err)
		return nil, err
	}

	if d.cfg.RequestTimeout > 0 {
		call.setTimer(time.AfterFunc(d.cfg.RequestTimeout, func() { d.expire(call) }))
	}
	return call, nil
}

// Request sends a request and waits for its reply.
func (d *Dispatcher) Request(ctx context.Context, command schema.Command, body ...tagstruct.Value) (schema.Reply, error) {
	call, err := d.Send(command, body...)
	if err != nil {
		return nil, err
	}
	_, span := observability.StartRequestSpan(ctx, command.String(), call.Tag)
	reply, err := call.Wait(ctx)
	observability.EndSpan(span, err)
	return reply, err
}

func (d *Dispatcher) write(payload []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if nc, ok := d.conn.(net.Conn); ok && d.cfg.WriteTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
		defer func() { _ = nc.SetWriteDeadline(time.Time{}) }()
	}
	return frame.WriteFrame(d.conn, frame.Control(payload), d.cfg.Limits)
}

func (d *Dispatcher) expire(call *Call) {
	if _, ok := d.pending.abandon(call.Tag); !ok {
		return
	}
	logging.Warnf("session.Dispatcher.expire command=%s tag=%d after=%s", call.Command, call.Tag, d.cfg.RequestTimeout)
	d.settle(call, nil, fmt.Errorf("%w: %s tag=%d", ErrRequestTimeout, call.Command, call.Tag))
}

func (d *Dispatcher) settle(call *Call, reply schema.Reply, err error) {
	if !call.settle(reply, err) {
		return
	}
	d.metrics.RequestSettled(call.Command.String(), outcome(err), time.Since(call.Sent))
	d.hub.publish(ReplyResolved{Tag: call.Tag, Command: call.Command, Err: err})
}

func outcome(err error) string {
	var serverErr schema.ServerError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &serverErr):
		return "server_error"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, protocol.ErrConnectionClosed):
		return "closed"
	case errors.Is(err, protocol.ErrDecode):
		return "decode_error"
	default:
		return "error"
	}
}

func (d *Dispatcher) readLoop() {
	buf := make([]byte, d.cfg.ReadBufferBytes)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			if ferr := d.decoder.Feed(buf[:n], d.handleFrame); ferr != nil {
				d.teardown(ferr)
				return
			}
		}
		if err != nil {
			d.teardown(d.readError(err))
			return
		}
	}
}

func (d *Dispatcher) readError(err error) error {
	if errors.Is(err, io.EOF) {
		if endErr := d.decoder.End(); endErr != nil {
			return endErr
		}
		return fmt.Errorf("%w: server closed the connection", protocol.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: read: %w", protocol.ErrTransport, err)
}

func (d *Dispatcher) handleFrame(f frame.Frame) error {
	r := tagstruct.NewReader(f.Payload)
	cmd, err := r.U32()
	if err != nil {
		return fmt.Errorf("%w: command: %w", ErrMalformedPacket, err)
	}
	tag, err := r.U32()
	if err != nil {
		return fmt.Errorf("%w: tag: %w", ErrMalformedPacket, err)
	}

	switch command := schema.Command(cmd); command {
	case schema.CommandReply:
		return d.handleReply(tag, r)
	case schema.CommandError:
		return d.handleError(tag, r)
	case schema.CommandSubscribeEvent:
		d.handleEvent(r)
		return nil
	default:
		logging.Debugf("session.Dispatcher.handleFrame dropped command=%s tag=%d", command, tag)
		return nil
	}
}

func (d *Dispatcher) claim(tag uint32) (*Call, bool, error) {
	call, ok := d.pending.take(tag)
	if ok {
		return call, true, nil
	}
	if d.pending.forget(tag) {
		logging.Debugf("session.Dispatcher.claim late reply dropped tag=%d", tag)
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: tag=%d", ErrUnknownTag, tag)
}

func (d *Dispatcher) handleReply(tag uint32, r *tagstruct.Reader) error {
	call, ok, err := d.claim(tag)
	if !ok {
		return err
	}
	reply, err := schema.DecodeReply(call.Command, r)
	if err != nil {
		logging.Warnf("session.Dispatcher.handleReply decode failed command=%s tag=%d err=%v", call.Command, tag, err)
	}
	d.settle(call, reply, err)
	return nil
}

func (d *Dispatcher) handleError(tag uint32, r *tagstruct.Reader) error {
	call, ok, err := d.claim(tag)
	if !ok {
		return err
	}
	code, err := schema.DecodeServerError(r)
	if err == nil {
		err = code
	}
	logging.Debugf("session.Dispatcher.handleError command=%s tag=%d err=%v", call.Command, tag, err)
	d.settle(call, nil, err)
	return nil
}

func (d *Dispatcher) handleEvent(r *tagstruct.Reader) {
	ev, err := schema.DecodeSubscriptionEvent(r)
	if err != nil {
		logging.Warnf("session.Dispatcher.handleEvent decode failed err=%v", err)
		return
	}
	d.metrics.SubscriptionEvent(ev.Facility.String(), ev.Type.String())
	if !ev.IsSinkChange() {
		logging.Tracef("session.Dispatcher.handleEvent ignored facility=%s type=%s index=%d", ev.Facility, ev.Type, ev.Index)
		return
	}
	d.hub.publish(SinkChanged{Index: ev.Index})
}

func (d *Dispatcher) teardown(cause error) {
	d.closeOnce.Do(func() {
		d.errMu.Lock()
		d.err = cause
		d.errMu.Unlock()

		_ = d.conn.Close()
		closedErr := cause
		if !errors.Is(cause, protocol.ErrConnectionClosed) {
			closedErr = fmt.Errorf("%w: %w", protocol.ErrConnectionClosed, cause)
		}
		calls := d.pending.closeAll(closedErr)
		for _, call := range calls {
			d.settle(call, nil, closedErr)
		}
		d.hub.close(ConnectionClosed{Err: cause})
		close(d.done)
		if errors.Is(cause, ErrClosedByClient) {
			logging.Debugf("session.Dispatcher.teardown closed by client failed=%d", len(calls))
		} else {
			logging.Warnf("session.Dispatcher.teardown cause=%v failed=%d", cause, len(calls))
		}
	})
}
