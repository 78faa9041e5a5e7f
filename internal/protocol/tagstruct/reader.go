package tagstruct

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/balena-io-experimental/audio/internal/protocol"
)

var (
	ErrUnexpectedTag = errors.New("tagstruct: unexpected tag")
	ErrShortBuffer   = errors.New("tagstruct: short buffer")
	ErrMalformed     = errors.New("tagstruct: malformed value")
)

// DecodeError describes a failed read. The reader's cursor is left at
// Offset, the start of the value that failed.
type DecodeError struct {
	Offset int
	Kind   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tagstruct: decode %s at offset %d: %s", e.Kind, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	return []error{protocol.ErrDecode, e.Err}
}

// Reader decodes tagged values from a byte slice. A failed read does not
// advance the cursor.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) Done() bool { return r.off >= len(r.buf) }

// Rest returns the unread bytes without consuming them.
func (r *Reader) Rest() []byte { return r.buf[r.off:] }

// NextTag returns the next tag without consuming it.
func (r *Reader) NextTag() (Tag, bool) {
	if r.Done() {
		return 0, false
	}
	return Tag(r.buf[r.off]), true
}

func (r *Reader) fail(off int, kind string, err error, format string, args ...any) error {
	return &DecodeError{Offset: off, Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

func (r *Reader) expect(off int, kind string, want Tag) error {
	if off >= len(r.buf) {
		return r.fail(off, kind, ErrShortBuffer, "want tag %s, buffer exhausted", want)
	}
	if got := Tag(r.buf[off]); got != want {
		return r.fail(off, kind, ErrUnexpectedTag, "want tag %s, got %s", want, got)
	}
	return nil
}

func (r *Reader) need(start, off, n int, kind string) error {
	if len(r.buf)-off < n {
		return r.fail(start, kind, ErrShortBuffer, "need %d bytes at offset %d, have %d", n, off, len(r.buf)-off)
	}
	return nil
}

func (r *Reader) u32At(off int, kind string, tag Tag) (uint32, int, error) {
	if err := r.expect(off, kind, tag); err != nil {
		return 0, off, err
	}
	if err := r.need(off, off+1, 4, kind); err != nil {
		return 0, off, err
	}
	return binary.BigEndian.Uint32(r.buf[off+1 : off+5]), off + 5, nil
}

func (r *Reader) u8At(off int) (uint8, int, error) {
	if err := r.expect(off, "u8", TagU8); err != nil {
		return 0, off, err
	}
	if err := r.need(off, off+1, 1, "u8"); err != nil {
		return 0, off, err
	}
	return r.buf[off+1], off + 2, nil
}

func (r *Reader) stringAt(off int) (string, int, error) {
	if off >= len(r.buf) {
		return "", off, r.fail(off, "string", ErrShortBuffer, "buffer exhausted")
	}
	switch Tag(r.buf[off]) {
	case TagStringNull:
		return "", off + 1, nil
	case TagString:
		end := bytes.IndexByte(r.buf[off+1:], 0)
		if end < 0 {
			return "", off, r.fail(off, "string", ErrShortBuffer, "missing NUL terminator")
		}
		return string(r.buf[off+1 : off+1+end]), off + end + 2, nil
	default:
		return "", off, r.fail(off, "string", ErrUnexpectedTag, "want tag %s or %s, got %s", TagString, TagStringNull, Tag(r.buf[off]))
	}
}

func (r *Reader) arbitraryAt(off int) ([]byte, int, error) {
	if err := r.expect(off, "arbitrary", TagArbitrary); err != nil {
		return nil, off, err
	}
	if err := r.need(off, off+1, 4, "arbitrary"); err != nil {
		return nil, off, err
	}
	size := binary.BigEndian.Uint32(r.buf[off+1 : off+5])
	// Compared before the int conversion, which can go negative on 32-bit.
	if uint64(size) > uint64(len(r.buf)-off-5) {
		return nil, off, r.fail(off, "arbitrary", ErrShortBuffer, "need %d bytes at offset %d, have %d", size, off+5, len(r.buf)-off-5)
	}
	n := int(size)
	out := make([]byte, n)
	copy(out, r.buf[off+5:off+5+n])
	return out, off + 5 + n, nil
}

func (r *Reader) propListAt(off int) (PropList, int, error) {
	start := off
	if err := r.expect(off, "proplist", TagPropList); err != nil {
		return nil, off, err
	}
	off++
	out := make(PropList, 0)
	for {
		if off >= len(r.buf) {
			return nil, start, r.fail(start, "proplist", ErrShortBuffer, "missing terminator")
		}
		if Tag(r.buf[off]) == TagStringNull {
			return out, off + 1, nil
		}
		key, next, err := r.stringAt(off)
		if err != nil {
			return nil, start, wrapAt(err, start, "proplist")
		}
		n, next, err := r.u32At(next, "proplist", TagU32)
		if err != nil {
			return nil, start, wrapAt(err, start, "proplist")
		}
		value, next, err := r.arbitraryAt(next)
		if err != nil {
			return nil, start, wrapAt(err, start, "proplist")
		}
		if uint32(len(value)) != n {
			return nil, start, r.fail(start, "proplist", ErrMalformed, "property %q declares %d bytes, carries %d", key, n, len(value))
		}
		out = append(out, Prop{Key: key, Value: value})
		off = next
	}
}

// wrapAt re-anchors a nested failure at the start of the enclosing value.
func wrapAt(err error, start int, kind string) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return &DecodeError{
			Offset: start,
			Kind:   kind,
			Reason: fmt.Sprintf("%s at offset %d: %s", de.Kind, de.Offset, de.Reason),
			Err:    de.Err,
		}
	}
	return err
}

func (r *Reader) U32() (uint32, error) {
	v, off, err := r.u32At(r.off, "u32", TagU32)
	if err != nil {
		return 0, err
	}
	r.off = off
	return v, nil
}

func (r *Reader) U8() (uint8, error) {
	v, off, err := r.u8At(r.off)
	if err != nil {
		return 0, err
	}
	r.off = off
	return v, nil
}

func (r *Reader) Usec() (uint64, error) {
	if err := r.expect(r.off, "usec", TagUsec); err != nil {
		return 0, err
	}
	if err := r.need(r.off, r.off+1, 8, "usec"); err != nil {
		return 0, err
	}
	hi := binary.BigEndian.Uint32(r.buf[r.off+1 : r.off+5])
	lo := binary.BigEndian.Uint32(r.buf[r.off+5 : r.off+9])
	r.off += 9
	return uint64(hi)<<32 | uint64(lo), nil
}

func (r *Reader) Volume() (uint32, error) {
	v, off, err := r.u32At(r.off, "volume", TagVolume)
	if err != nil {
		return 0, err
	}
	r.off = off
	return v, nil
}

func (r *Reader) Bool() (bool, error) {
	if r.Done() {
		return false, r.fail(r.off, "bool", ErrShortBuffer, "buffer exhausted")
	}
	switch Tag(r.buf[r.off]) {
	case TagBooleanTrue:
		r.off++
		return true, nil
	case TagBooleanFalse:
		r.off++
		return false, nil
	default:
		return false, r.fail(r.off, "bool", ErrUnexpectedTag, "want tag %s or %s, got %s", TagBooleanTrue, TagBooleanFalse, Tag(r.buf[r.off]))
	}
}

func (r *Reader) String() (string, error) {
	s, off, err := r.stringAt(r.off)
	if err != nil {
		return "", err
	}
	r.off = off
	return s, nil
}

func (r *Reader) Arbitrary() ([]byte, error) {
	b, off, err := r.arbitraryAt(r.off)
	if err != nil {
		return nil, err
	}
	r.off = off
	return b, nil
}

func (r *Reader) State() (State, error) {
	v, off, err := r.u32At(r.off, "state", TagU32)
	if err != nil {
		return 0, err
	}
	s := State(v)
	if s > StateSuspended {
		return 0, r.fail(r.off, "state", ErrMalformed, "unknown state code %d", v)
	}
	r.off = off
	return s, nil
}

func (r *Reader) SampleSpec() (SampleSpec, error) {
	if err := r.expect(r.off, "sample spec", TagSampleSpec); err != nil {
		return SampleSpec{}, err
	}
	if err := r.need(r.off, r.off+1, 6, "sample spec"); err != nil {
		return SampleSpec{}, err
	}
	b := r.buf[r.off+1 : r.off+7]
	r.off += 7
	return SampleSpec{Format: b[0], Channels: b[1], Rate: binary.BigEndian.Uint32(b[2:6])}, nil
}

func (r *Reader) ChannelMap() (ChannelMap, error) {
	if err := r.expect(r.off, "channel map", TagChannelMap); err != nil {
		return nil, err
	}
	if err := r.need(r.off, r.off+1, 1, "channel map"); err != nil {
		return nil, err
	}
	n := int(r.buf[r.off+1])
	if err := r.need(r.off, r.off+2, n, "channel map"); err != nil {
		return nil, err
	}
	m := make(ChannelMap, n)
	copy(m, r.buf[r.off+2:r.off+2+n])
	r.off += 2 + n
	return m, nil
}

func (r *Reader) CVolume() (CVolume, error) {
	if err := r.expect(r.off, "channel volumes", TagCVolume); err != nil {
		return nil, err
	}
	if err := r.need(r.off, r.off+1, 1, "channel volumes"); err != nil {
		return nil, err
	}
	n := int(r.buf[r.off+1])
	if err := r.need(r.off, r.off+2, 4*n, "channel volumes"); err != nil {
		return nil, err
	}
	v := make(CVolume, n)
	off := r.off + 2
	for i := range v {
		v[i] = binary.BigEndian.Uint32(r.buf[off : off+4])
		off += 4
	}
	r.off = off
	return v, nil
}

func (r *Reader) PropList() (PropList, error) {
	p, off, err := r.propListAt(r.off)
	if err != nil {
		return nil, err
	}
	r.off = off
	return p, nil
}

func (r *Reader) SinkID() (SinkID, error) {
	idx, off, err := r.u32At(r.off, "sink id", TagU32)
	if err != nil {
		return SinkID{}, err
	}
	name, off, err := r.stringAt(off)
	if err != nil {
		return SinkID{}, wrapAt(err, r.off, "sink id")
	}
	r.off = off
	return SinkID{Index: idx, Name: name}, nil
}

func (r *Reader) Ports() (Ports, error) {
	start := r.off
	n, off, err := r.u32At(start, "ports", TagU32)
	if err != nil {
		return nil, err
	}
	// every port needs at least two null strings and two u32s
	if uint64(n)*12 > uint64(len(r.buf)-off) {
		return nil, r.fail(start, "ports", ErrShortBuffer, "%d ports cannot fit in %d bytes", n, len(r.buf)-off)
	}
	ports := make(Ports, 0, n)
	for i := uint32(0); i < n; i++ {
		var p Port
		var avail uint32
		if p.Name, off, err = r.stringAt(off); err != nil {
			return nil, wrapAt(err, start, "ports")
		}
		if p.Description, off, err = r.stringAt(off); err != nil {
			return nil, wrapAt(err, start, "ports")
		}
		if p.Priority, off, err = r.u32At(off, "port priority", TagU32); err != nil {
			return nil, wrapAt(err, start, "ports")
		}
		if avail, off, err = r.u32At(off, "port availability", TagU32); err != nil {
			return nil, wrapAt(err, start, "ports")
		}
		p.Availability = PortAvailability(avail)
		if p.Availability > AvailabilityYes {
			return nil, r.fail(start, "ports", ErrMalformed, "port %q has unknown availability %d", p.Name, avail)
		}
		ports = append(ports, p)
	}
	r.off = off
	return ports, nil
}

func (r *Reader) formatInfoAt(off int) (FormatInfo, int, error) {
	if err := r.expect(off, "format info", TagFormatInfo); err != nil {
		return FormatInfo{}, off, err
	}
	enc, next, err := r.u8At(off + 1)
	if err != nil {
		return FormatInfo{}, off, wrapAt(err, off, "format info")
	}
	props, next, err := r.propListAt(next)
	if err != nil {
		return FormatInfo{}, off, wrapAt(err, off, "format info")
	}
	return FormatInfo{Encoding: enc, Props: props}, next, nil
}

func (r *Reader) FormatInfo() (FormatInfo, error) {
	f, off, err := r.formatInfoAt(r.off)
	if err != nil {
		return FormatInfo{}, err
	}
	r.off = off
	return f, nil
}

func (r *Reader) Formats() (Formats, error) {
	start := r.off
	n, off, err := r.u8At(start)
	if err != nil {
		return nil, wrapAt(err, start, "formats")
	}
	out := make(Formats, 0, n)
	for i := 0; i < int(n); i++ {
		var f FormatInfo
		if f, off, err = r.formatInfoAt(off); err != nil {
			return nil, wrapAt(err, start, "formats")
		}
		out = append(out, f)
	}
	r.off = off
	return out, nil
}
