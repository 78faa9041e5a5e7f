// Package tagstruct implements the PulseAudio tagged value codec.
//
// Every value on the wire is a one-byte tag followed by a tag-specific
// body. Each Go value type reports its exact encoded size and writes itself
// into a caller-provided slice; Marshal sizes the whole payload up front and
// refuses to emit a payload whose values wrote a different byte count than
// they declared.
package tagstruct

import (
	"fmt"

	"github.com/balena-io-experimental/audio/internal/protocol"
)

type Tag byte

const (
	TagBooleanFalse Tag = '0'
	TagBooleanTrue  Tag = '1'
	TagU8           Tag = 'B'
	TagU32          Tag = 'L'
	TagStringNull   Tag = 'N'
	TagPropList     Tag = 'P'
	TagUsec         Tag = 'U'
	TagVolume       Tag = 'V'
	TagSampleSpec   Tag = 'a'
	TagFormatInfo   Tag = 'f'
	TagChannelMap   Tag = 'm'
	TagString       Tag = 't'
	TagCVolume      Tag = 'v'
	TagArbitrary    Tag = 'x'
)

func (t Tag) String() string {
	if t >= 0x20 && t < 0x7f {
		return fmt.Sprintf("'%c'", byte(t))
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

// Value is anything that can be written as one or more tagged values.
// Put must write exactly Len() bytes into b and return that count.
type Value interface {
	Len() int
	Put(b []byte) int
}

var (
	ErrLengthMismatch = fmt.Errorf("%w: tagstruct: written length differs from declared length", protocol.ErrUsage)
	ErrInvalidValue   = fmt.Errorf("%w: tagstruct: invalid value", protocol.ErrUsage)
)

// Size returns the total encoded length of values.
func Size(values ...Value) int {
	n := 0
	for _, v := range values {
		n += v.Len()
	}
	return n
}

// Marshal encodes values into a single exactly-sized buffer.
func Marshal(values ...Value) ([]byte, error) {
	return Append(nil, values...)
}

// Append encodes values onto dst. dst is returned unchanged on error.
func Append(dst []byte, values ...Value) (out []byte, err error) {
	for i, v := range values {
		if vv, ok := v.(interface{ Validate() error }); ok {
			if err := vv.Validate(); err != nil {
				return dst, fmt.Errorf("tagstruct: value %d (%T): %w", i, v, err)
			}
		}
	}
	n := Size(values...)
	start := len(dst)
	buf := make([]byte, start+n)
	copy(buf, dst)

	idx := 0
	defer func() {
		if r := recover(); r != nil {
			out = dst
			err = fmt.Errorf("%w: value %d (%T) overran its declared length: %v", ErrLengthMismatch, idx, values[idx], r)
		}
	}()
	off := start
	for i, v := range values {
		idx = i
		want := v.Len()
		got := v.Put(buf[off : off+want : off+want])
		if got != want {
			return dst, fmt.Errorf("%w: value %d (%T) declared=%d wrote=%d", ErrLengthMismatch, i, v, want, got)
		}
		off += got
	}
	return buf, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...))
}
