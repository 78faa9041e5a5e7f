package session

import (
	"sync"

	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/observability"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
)

// Notification is one of ReplyResolved, SinkChanged or ConnectionClosed.
type Notification interface {
	notification()
}

// ReplyResolved reports that a request settled.
type ReplyResolved struct {
	Tag     uint32
	Command schema.Command
	Err     error
}

// SinkChanged reports a sink change event for a protocol index.
type SinkChanged struct {
	Index uint32
}

// ConnectionClosed is the last notification a subscriber receives before its
// channel closes.
type ConnectionClosed struct {
	Err error
}

func (ReplyResolved) notification()    {}
func (SinkChanged) notification()      {}
func (ConnectionClosed) notification() {}

func notificationKind(n Notification) string {
	switch n.(type) {
	case ReplyResolved:
		return "reply_resolved"
	case SinkChanged:
		return "sink_changed"
	case ConnectionClosed:
		return "connection_closed"
	default:
		return "unknown"
	}
}

type subscriber struct {
	ch      chan Notification
	replies bool
}

// hub fans notifications out without blocking the read loop. A subscriber
// whose buffer is full misses the notification.
type hub struct {
	mu      sync.Mutex
	subs    map[int]subscriber
	next    int
	closed  bool
	metrics *observability.Metrics
}

func newHub(m *observability.Metrics) *hub {
	return &hub{subs: make(map[int]subscriber), metrics: m}
}

// add registers a subscriber. Without replies it only sees SinkChanged and
// ConnectionClosed.
func (h *hub) add(buffer int, replies bool) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, replies: replies}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (h *hub) publish(n Notification) {
	_, isReply := n.(ReplyResolved)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if isReply && !sub.replies {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			h.metrics.NotificationDropped(notificationKind(n))
			if isReply {
				logging.Debugf("session.hub.publish dropped kind=reply_resolved subscriber=%d", id)
			} else {
				logging.Warnf("session.hub.publish dropped kind=%s subscriber=%d", notificationKind(n), id)
			}
		}
	}
}

func (h *hub) close(final Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		select {
		case sub.ch <- final:
		default:
			h.metrics.NotificationDropped(notificationKind(final))
		}
		close(sub.ch)
		delete(h.subs, id)
	}
}
