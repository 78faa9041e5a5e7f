package frame

import (
	"fmt"
	"sync"
)

// Decoder reassembles packets from arbitrarily chunked input.
//
// It alternates between waiting for a full header and waiting for the
// declared payload. Only one drain pass runs at a time: a Feed that arrives
// while another is draining (from another goroutine or from inside emit)
// only appends its bytes, and the running pass consumes them before it
// returns.
type Decoder struct {
	limits Limits

	mu       sync.Mutex
	buf      []byte
	header   *Header
	draining bool
	err      error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends chunk and emits every packet that is now complete. An emit
// error stops the drain and is returned; the remaining bytes stay buffered.
func (d *Decoder) Feed(chunk []byte, emit func(Frame) error) error {
	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return err
	}
	d.buf = append(d.buf, chunk...)
	if d.draining {
		d.mu.Unlock()
		return nil
	}
	d.draining = true
	d.mu.Unlock()

	for {
		d.mu.Lock()
		f, ok, err := d.next()
		if err != nil {
			d.err = err
		}
		if !ok || err != nil {
			d.draining = false
			d.mu.Unlock()
			return err
		}
		d.mu.Unlock()

		if err := emit(f); err != nil {
			d.mu.Lock()
			d.draining = false
			d.mu.Unlock()
			return err
		}
	}
}

// next pops one complete packet. Caller holds mu.
func (d *Decoder) next() (Frame, bool, error) {
	if d.header == nil {
		if len(d.buf) < HeaderLen {
			return Frame{}, false, nil
		}
		h, err := DecodeHeader(d.buf[:HeaderLen])
		if err != nil {
			return Frame{}, false, err
		}
		if err := d.limits.check(h); err != nil {
			return Frame{}, false, err
		}
		d.header = &h
		d.buf = d.buf[HeaderLen:]
	}
	n := int(d.header.Length)
	if len(d.buf) < n {
		return Frame{}, false, nil
	}
	payload := make([]byte, n)
	copy(payload, d.buf[:n])
	f := Frame{Header: *d.header, Payload: payload}
	d.header = nil
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return f, true, nil
}

// Buffered returns the number of bytes held for an unfinished packet,
// including a consumed header.
func (d *Decoder) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.buf)
	if d.header != nil {
		n += HeaderLen
	}
	return n
}

// End reports whether the stream closed mid-packet.
func (d *Decoder) End() error {
	if n := d.Buffered(); n > 0 {
		return fmt.Errorf("%w: %d bytes of an unfinished packet", ErrStreamEnded, n)
	}
	return nil
}
