package session

import (
	"context"
	"sync"
	"time"

	"github.com/balena-io-experimental/audio/internal/protocol/schema"
)

// Call is one outstanding request.
type Call struct {
	Command schema.Command
	Tag     uint32
	Sent    time.Time

	done  chan struct{}
	once  sync.Once
	reply schema.Reply
	err   error

	mu    sync.Mutex
	timer *time.Timer
}

func newCall(command schema.Command, tag uint32) *Call {
	return &Call{Command: command, Tag: tag, Sent: time.Now(), done: make(chan struct{})}
}

// Done is closed once the call has a reply or an error.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the settled outcome. It must only be read after Done.
func (c *Call) Result() (schema.Reply, error) {
	return c.reply, c.err
}

// Wait blocks until the call settles or ctx ends. Giving up on ctx does not
// withdraw the request; a late reply is still consumed.
func (c *Call) Wait(ctx context.Context) (schema.Reply, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) setTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		t.Stop()
	default:
		c.timer = t
	}
}

func (c *Call) settle(reply schema.Reply, err error) bool {
	settled := false
	c.once.Do(func() {
		c.reply, c.err = reply, err
		close(c.done)
		settled = true
	})
	if settled {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
	}
	return settled
}

// pendingTable allocates request tags and holds calls until they settle.
// Tags come from a wrapping 32-bit counter and skip any tag still in use,
// including tags of calls that timed out and may still get a late reply.
type pendingTable struct {
	mu        sync.Mutex
	next      uint32
	calls     map[uint32]*Call
	abandoned map[uint32]struct{}
	closed    error
}

func newPendingTable(start uint32) *pendingTable {
	return &pendingTable{
		next:      start,
		calls:     make(map[uint32]*Call),
		abandoned: make(map[uint32]struct{}),
	}
}

func (p *pendingTable) register(command schema.Command) (*Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return nil, p.closed
	}
	for {
		tag := p.next
		p.next++
		if _, busy := p.calls[tag]; busy {
			continue
		}
		if _, busy := p.abandoned[tag]; busy {
			continue
		}
		c := newCall(command, tag)
		p.calls[tag] = c
		return c, nil
	}
}

// take removes and returns the call waiting on tag.
func (p *pendingTable) take(tag uint32) (*Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[tag]
	if ok {
		delete(p.calls, tag)
	}
	return c, ok
}

// abandon moves a still-pending call to the abandoned set so a late reply
// is recognised and dropped.
func (p *pendingTable) abandon(tag uint32) (*Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[tag]
	if !ok {
		return nil, false
	}
	delete(p.calls, tag)
	p.abandoned[tag] = struct{}{}
	return c, true
}

// forget clears an abandoned tag and reports whether it was abandoned.
func (p *pendingTable) forget(tag uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.abandoned[tag]
	delete(p.abandoned, tag)
	return ok
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// closeAll refuses further registrations and returns every pending call.
func (p *pendingTable) closeAll(err error) []*Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = err
	out := make([]*Call, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c)
	}
	p.calls = make(map[uint32]*Call)
	p.abandoned = make(map[uint32]struct{})
	return out
}
