package tagstruct

import (
	"encoding/binary"
	"fmt"
	"strings"
)

type U32 uint32

func (v U32) Len() int { return 5 }

func (v U32) Put(b []byte) int {
	b[0] = byte(TagU32)
	binary.BigEndian.PutUint32(b[1:5], uint32(v))
	return 5
}

type U8 uint8

func (v U8) Len() int { return 2 }

func (v U8) Put(b []byte) int {
	b[0] = byte(TagU8)
	b[1] = byte(v)
	return 2
}

// Usec is a 64-bit microsecond count carried as two big-endian halves.
type Usec uint64

func (v Usec) Len() int { return 9 }

func (v Usec) Put(b []byte) int {
	b[0] = byte(TagUsec)
	binary.BigEndian.PutUint32(b[1:5], uint32(uint64(v)>>32))
	binary.BigEndian.PutUint32(b[5:9], uint32(uint64(v)))
	return 9
}

type Volume uint32

func (v Volume) Len() int { return 5 }

func (v Volume) Put(b []byte) int {
	b[0] = byte(TagVolume)
	binary.BigEndian.PutUint32(b[1:5], uint32(v))
	return 5
}

type Bool bool

func (v Bool) Len() int { return 1 }

func (v Bool) Put(b []byte) int {
	if v {
		b[0] = byte(TagBooleanTrue)
	} else {
		b[0] = byte(TagBooleanFalse)
	}
	return 1
}

// String encodes as the null-string tag when empty, so "" and an absent
// string are indistinguishable on the wire.
type String string

func (v String) Len() int {
	if v == "" {
		return 1
	}
	return len(v) + 2
}

func (v String) Put(b []byte) int {
	if v == "" {
		b[0] = byte(TagStringNull)
		return 1
	}
	b[0] = byte(TagString)
	n := copy(b[1:], v)
	b[1+n] = 0
	return n + 2
}

func (v String) Validate() error {
	if strings.IndexByte(string(v), 0) >= 0 {
		return invalid("string contains NUL byte")
	}
	return nil
}

type Arbitrary []byte

func (v Arbitrary) Len() int { return 5 + len(v) }

func (v Arbitrary) Put(b []byte) int {
	b[0] = byte(TagArbitrary)
	binary.BigEndian.PutUint32(b[1:5], uint32(len(v)))
	return 5 + copy(b[5:], v)
}

// State is a sink state carried as a u32. Only the three known codes are
// valid in either direction.
type State uint32

const (
	StateRunning   State = 0
	StateIdle      State = 1
	StateSuspended State = 2
)

func (s State) Len() int { return 5 }

func (s State) Put(b []byte) int { return U32(s).Put(b) }

func (s State) Validate() error {
	if s > StateSuspended {
		return invalid("unknown state code %d", uint32(s))
	}
	return nil
}

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}
