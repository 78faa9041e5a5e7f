package tagstruct

import (
	"encoding/binary"
	"fmt"
)

// InvalidIndex marks an unset object index.
const InvalidIndex uint32 = 0xFFFFFFFF

type SampleSpec struct {
	Format   uint8
	Channels uint8
	Rate     uint32
}

func (s SampleSpec) Len() int { return 7 }

func (s SampleSpec) Put(b []byte) int {
	b[0] = byte(TagSampleSpec)
	b[1] = s.Format
	b[2] = s.Channels
	binary.BigEndian.PutUint32(b[3:7], s.Rate)
	return 7
}

// ChannelMap lists the channel position of each channel.
type ChannelMap []uint8

func (m ChannelMap) Len() int { return 2 + len(m) }

func (m ChannelMap) Put(b []byte) int {
	b[0] = byte(TagChannelMap)
	b[1] = uint8(len(m))
	return 2 + copy(b[2:], m)
}

func (m ChannelMap) Validate() error {
	if len(m) > 0xFF {
		return invalid("channel map has %d channels", len(m))
	}
	return nil
}

// CVolume holds one volume level per channel.
type CVolume []uint32

func (v CVolume) Len() int { return 2 + 4*len(v) }

func (v CVolume) Put(b []byte) int {
	b[0] = byte(TagCVolume)
	b[1] = uint8(len(v))
	off := 2
	for _, level := range v {
		binary.BigEndian.PutUint32(b[off:off+4], level)
		off += 4
	}
	return off
}

func (v CVolume) Validate() error {
	if len(v) > 0xFF {
		return invalid("channel volumes has %d channels", len(v))
	}
	return nil
}

// Avg returns the mean channel level, or 0 for no channels.
func (v CVolume) Avg() uint32 {
	if len(v) == 0 {
		return 0
	}
	var sum uint64
	for _, level := range v {
		sum += uint64(level)
	}
	return uint32(sum / uint64(len(v)))
}

// SinkID addresses a sink by index or by name. Exactly one is meaningful:
// Index is InvalidIndex when addressing by name, Name is empty when
// addressing by index.
type SinkID struct {
	Index uint32
	Name  string
}

func (s SinkID) Len() int { return U32(s.Index).Len() + String(s.Name).Len() }

func (s SinkID) Put(b []byte) int {
	n := U32(s.Index).Put(b)
	return n + String(s.Name).Put(b[n:])
}

func (s SinkID) Validate() error {
	return String(s.Name).Validate()
}

type PortAvailability uint32

const (
	AvailabilityUnknown PortAvailability = 0
	AvailabilityNo      PortAvailability = 1
	AvailabilityYes     PortAvailability = 2
)

func (a PortAvailability) String() string {
	switch a {
	case AvailabilityUnknown:
		return "unknown"
	case AvailabilityNo:
		return "unavailable"
	case AvailabilityYes:
		return "plugged in"
	default:
		return fmt.Sprintf("availability(%d)", uint32(a))
	}
}

type Port struct {
	Name         string
	Description  string
	Priority     uint32
	Availability PortAvailability
}

func (p Port) Len() int {
	return String(p.Name).Len() + String(p.Description).Len() + 10
}

func (p Port) Put(b []byte) int {
	n := String(p.Name).Put(b)
	n += String(p.Description).Put(b[n:])
	n += U32(p.Priority).Put(b[n:])
	n += U32(p.Availability).Put(b[n:])
	return n
}

func (p Port) Validate() error {
	if err := String(p.Name).Validate(); err != nil {
		return err
	}
	if err := String(p.Description).Validate(); err != nil {
		return err
	}
	if p.Availability > AvailabilityYes {
		return invalid("port %q has unknown availability %d", p.Name, uint32(p.Availability))
	}
	return nil
}

// Ports is a u32-counted port list.
type Ports []Port

func (ps Ports) Len() int {
	n := 5
	for _, p := range ps {
		n += p.Len()
	}
	return n
}

func (ps Ports) Put(b []byte) int {
	n := U32(len(ps)).Put(b)
	for _, p := range ps {
		n += p.Put(b[n:])
	}
	return n
}

func (ps Ports) Validate() error {
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the port named name.
func (ps Ports) Find(name string) (Port, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

type FormatInfo struct {
	Encoding uint8
	Props    PropList
}

func (f FormatInfo) Len() int { return 1 + 2 + f.Props.Len() }

func (f FormatInfo) Put(b []byte) int {
	b[0] = byte(TagFormatInfo)
	n := 1 + U8(f.Encoding).Put(b[1:])
	return n + f.Props.Put(b[n:])
}

func (f FormatInfo) Validate() error { return f.Props.Validate() }

// Formats is a u8-counted format list.
type Formats []FormatInfo

func (fs Formats) Len() int {
	n := 2
	for _, f := range fs {
		n += f.Len()
	}
	return n
}

func (fs Formats) Put(b []byte) int {
	n := U8(len(fs)).Put(b)
	for _, f := range fs {
		n += f.Put(b[n:])
	}
	return n
}

func (fs Formats) Validate() error {
	if len(fs) > 0xFF {
		return invalid("format list has %d entries", len(fs))
	}
	for _, f := range fs {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}
