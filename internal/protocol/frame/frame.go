// Package frame splits a PulseAudio byte stream into packets.
//
// A packet is a 20-byte header followed by the payload. The header is the
// payload length followed by a 16-byte descriptor block (channel, two offset
// words, flags). Control packets use channel 0xFFFFFFFF and zero for the
// remaining words.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/balena-io-experimental/audio/internal/protocol"
)

const (
	HeaderLen      = 20
	ChannelControl = uint32(0xFFFFFFFF)
)

var (
	ErrStreamEnded     = fmt.Errorf("%w: frame: stream ended prematurely", protocol.ErrTransport)
	ErrPayloadTooLarge = fmt.Errorf("%w: frame: payload too large", protocol.ErrTransport)
	ErrInvalidHeader   = fmt.Errorf("%w: frame: invalid header length", protocol.ErrUsage)
)

// Header is the fixed packet header. Descriptor words are carried verbatim.
type Header struct {
	Length   uint32
	Channel  uint32
	OffsetHi uint32
	OffsetLo uint32
	Flags    uint32
}

// Frame is one complete packet.
type Frame struct {
	Header  Header
	Payload []byte
}

// Control wraps payload in a control-channel packet.
func Control(payload []byte) Frame {
	return Frame{
		Header:  Header{Length: uint32(len(payload)), Channel: ChannelControl},
		Payload: payload,
	}
}

// Limits constrains decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 16 * 1024 * 1024}
}

// Encode returns the packet bytes with the length field taken from the
// payload.
func Encode(f Frame) []byte {
	h := f.Header
	h.Length = uint32(len(f.Payload))
	buf := make([]byte, HeaderLen+len(f.Payload))
	putHeader(buf, h)
	copy(buf[HeaderLen:], f.Payload)
	return buf
}

// WriteFrame writes the whole packet with a single Write.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	if _, err := w.Write(Encode(f)); err != nil {
		return fmt.Errorf("%w: frame: write: %w", protocol.ErrTransport, err)
	}
	return nil
}

// ReadFrame reads one packet from a blocking reader. A clean end of stream
// at a packet boundary returns io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrStreamEnded
		}
		return Frame{}, fmt.Errorf("%w: frame: read header: %w", protocol.ErrTransport, err)
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Frame{}, err
	}
	if err := limits.check(h); err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrStreamEnded
		}
		return Frame{}, fmt.Errorf("%w: frame: read payload: %w", protocol.ErrTransport, err)
	}
	return Frame{Header: h, Payload: payload}, nil
}

func (l Limits) check(h Header) error {
	if l.MaxPayloadBytes > 0 && h.Length > l.MaxPayloadBytes {
		return fmt.Errorf("%w: declared %d bytes, limit %d", ErrPayloadTooLarge, h.Length, l.MaxPayloadBytes)
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], h.Channel)
	binary.BigEndian.PutUint32(buf[8:12], h.OffsetHi)
	binary.BigEndian.PutUint32(buf[12:16], h.OffsetLo)
	binary.BigEndian.PutUint32(buf[16:20], h.Flags)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidHeader, len(b))
	}
	return Header{
		Length:   binary.BigEndian.Uint32(b[0:4]),
		Channel:  binary.BigEndian.Uint32(b[4:8]),
		OffsetHi: binary.BigEndian.Uint32(b[8:12]),
		OffsetLo: binary.BigEndian.Uint32(b[12:16]),
		Flags:    binary.BigEndian.Uint32(b[16:20]),
	}, nil
}
