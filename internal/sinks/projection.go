package sinks

import (
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// Field names one projected attribute of a sink.
type Field string

const (
	FieldIndex                 Field = "index"
	FieldDescription           Field = "description"
	FieldVolume                Field = "volume"
	FieldChannels              Field = "channels"
	FieldMute                  Field = "mute"
	FieldState                 Field = "state"
	FieldActivePortName        Field = "active_port_name"
	FieldActivePortDescription Field = "active_port_description"
)

// Projection is the reduced view of a sink the registry tracks.
type Projection struct {
	Position              int
	Index                 uint32
	Description           string
	Volume                int
	Channels              int
	Mute                  bool
	State                 tagstruct.State
	ActivePortName        string
	ActivePortDescription string
}

// Running reports whether the sink is currently playing.
func (p Projection) Running() bool { return p.State == tagstruct.StateRunning }

// FieldChange holds the old and new value of one field.
type FieldChange struct {
	Old any
	New any
}

// Change is published when a refetched sink differs from the cached one.
type Change struct {
	Position int
	Fields   map[Field]FieldChange
	Sink     Projection
}

// Has reports whether f changed.
func (c Change) Has(f Field) bool {
	_, ok := c.Fields[f]
	return ok
}

// Project reduces s to the fields the registry tracks.
func Project(position int, s schema.Sink) Projection {
	channels := len(s.Volume)
	if channels == 0 {
		channels = int(s.SampleSpec.Channels)
	}
	p := Projection{
		Position:       position,
		Index:          s.Index,
		Description:    s.Description,
		Volume:         VolumeToPercent(s.Volume, s.BaseVolume),
		Channels:       channels,
		Mute:           s.Mute,
		State:          s.State,
		ActivePortName: s.ActivePortName,
	}
	if port, ok := s.ActivePort(); ok {
		p.ActivePortDescription = port.Description
	}
	return p
}

// Diff returns the fields that differ between old and cur. Position is the
// registry's key and is not compared.
func Diff(old, cur Projection) map[Field]FieldChange {
	out := make(map[Field]FieldChange)
	note := func(f Field, a, b any) {
		if a != b {
			out[f] = FieldChange{Old: a, New: b}
		}
	}
	note(FieldIndex, old.Index, cur.Index)
	note(FieldDescription, old.Description, cur.Description)
	note(FieldVolume, old.Volume, cur.Volume)
	note(FieldChannels, old.Channels, cur.Channels)
	note(FieldMute, old.Mute, cur.Mute)
	note(FieldState, old.State, cur.State)
	note(FieldActivePortName, old.ActivePortName, cur.ActivePortName)
	note(FieldActivePortDescription, old.ActivePortDescription, cur.ActivePortDescription)
	return out
}
