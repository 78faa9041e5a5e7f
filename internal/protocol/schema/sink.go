package schema

import (
	"fmt"

	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

type SinkFlags uint32

const (
	SinkHWVolumeCtrl   SinkFlags = 0x0001
	SinkLatency        SinkFlags = 0x0002
	SinkHardware       SinkFlags = 0x0004
	SinkNetwork        SinkFlags = 0x0008
	SinkHWMuteCtrl     SinkFlags = 0x0010
	SinkDecibelVolume  SinkFlags = 0x0020
	SinkFlatVolume     SinkFlags = 0x0040
	SinkDynamicLatency SinkFlags = 0x0080
	SinkSetFormats     SinkFlags = 0x0100
)

func (f SinkFlags) Has(flag SinkFlags) bool { return f&flag == flag }

// Sink is one GET_SINK_INFO record, fields in wire order.
type Sink struct {
	Index              uint32
	Name               string
	Description        string
	SampleSpec         tagstruct.SampleSpec
	ChannelMap         tagstruct.ChannelMap
	ModuleIndex        uint32
	Volume             tagstruct.CVolume
	Mute               bool
	MonitorSourceIndex uint32
	MonitorSourceName  string
	Latency            uint64
	Driver             string
	Flags              SinkFlags
	Props              tagstruct.PropList
	ConfiguredLatency  uint64
	BaseVolume         uint32
	State              tagstruct.State
	VolumeSteps        uint32
	CardIndex          uint32
	Ports              tagstruct.Ports
	ActivePortName     string
	Formats            tagstruct.Formats
}

// ActivePort returns the port named by ActivePortName.
func (s Sink) ActivePort() (tagstruct.Port, bool) {
	if s.ActivePortName == "" {
		return tagstruct.Port{}, false
	}
	return s.Ports.Find(s.ActivePortName)
}

// Values returns the sink in wire order.
func (s Sink) Values() []tagstruct.Value {
	return []tagstruct.Value{
		tagstruct.U32(s.Index),
		tagstruct.String(s.Name),
		tagstruct.String(s.Description),
		s.SampleSpec,
		s.ChannelMap,
		tagstruct.U32(s.ModuleIndex),
		s.Volume,
		tagstruct.Bool(s.Mute),
		tagstruct.U32(s.MonitorSourceIndex),
		tagstruct.String(s.MonitorSourceName),
		tagstruct.Usec(s.Latency),
		tagstruct.String(s.Driver),
		tagstruct.U32(s.Flags),
		s.Props,
		tagstruct.Usec(s.ConfiguredLatency),
		tagstruct.Volume(s.BaseVolume),
		s.State,
		tagstruct.U32(s.VolumeSteps),
		tagstruct.U32(s.CardIndex),
		s.Ports,
		tagstruct.String(s.ActivePortName),
		s.Formats,
	}
}

type sinkField struct {
	name string
	read func(r *tagstruct.Reader, s *Sink) error
}

// sinkFields lists the decode steps in wire order. Each closure writes into
// the sink passed to it.
var sinkFields = []sinkField{
	{"index", func(r *tagstruct.Reader, s *Sink) (err error) { s.Index, err = r.U32(); return }},
	{"name", func(r *tagstruct.Reader, s *Sink) (err error) { s.Name, err = r.String(); return }},
	{"description", func(r *tagstruct.Reader, s *Sink) (err error) { s.Description, err = r.String(); return }},
	{"sample_spec", func(r *tagstruct.Reader, s *Sink) (err error) { s.SampleSpec, err = r.SampleSpec(); return }},
	{"channel_map", func(r *tagstruct.Reader, s *Sink) (err error) { s.ChannelMap, err = r.ChannelMap(); return }},
	{"module_index", func(r *tagstruct.Reader, s *Sink) (err error) { s.ModuleIndex, err = r.U32(); return }},
	{"volume", func(r *tagstruct.Reader, s *Sink) (err error) { s.Volume, err = r.CVolume(); return }},
	{"mute", func(r *tagstruct.Reader, s *Sink) (err error) { s.Mute, err = r.Bool(); return }},
	{"monitor_source_index", func(r *tagstruct.Reader, s *Sink) (err error) { s.MonitorSourceIndex, err = r.U32(); return }},
	{"monitor_source_name", func(r *tagstruct.Reader, s *Sink) (err error) { s.MonitorSourceName, err = r.String(); return }},
	{"latency", func(r *tagstruct.Reader, s *Sink) (err error) { s.Latency, err = r.Usec(); return }},
	{"driver", func(r *tagstruct.Reader, s *Sink) (err error) { s.Driver, err = r.String(); return }},
	{"flags", func(r *tagstruct.Reader, s *Sink) error {
		v, err := r.U32()
		s.Flags = SinkFlags(v)
		return err
	}},
	{"props", func(r *tagstruct.Reader, s *Sink) (err error) { s.Props, err = r.PropList(); return }},
	{"configured_latency", func(r *tagstruct.Reader, s *Sink) (err error) { s.ConfiguredLatency, err = r.Usec(); return }},
	{"base_volume", func(r *tagstruct.Reader, s *Sink) (err error) { s.BaseVolume, err = r.Volume(); return }},
	{"state", func(r *tagstruct.Reader, s *Sink) (err error) { s.State, err = r.State(); return }},
	{"volume_steps", func(r *tagstruct.Reader, s *Sink) (err error) { s.VolumeSteps, err = r.U32(); return }},
	{"card_index", func(r *tagstruct.Reader, s *Sink) (err error) { s.CardIndex, err = r.U32(); return }},
	{"ports", func(r *tagstruct.Reader, s *Sink) (err error) { s.Ports, err = r.Ports(); return }},
	{"active_port", func(r *tagstruct.Reader, s *Sink) (err error) { s.ActivePortName, err = r.String(); return }},
	{"formats", func(r *tagstruct.Reader, s *Sink) (err error) { s.Formats, err = r.Formats(); return }},
}

// DecodeSink reads one sink record.
func DecodeSink(r *tagstruct.Reader) (Sink, error) {
	var s Sink
	for _, f := range sinkFields {
		if err := f.read(r, &s); err != nil {
			return Sink{}, fmt.Errorf("schema: sink field %s: %w", f.name, err)
		}
	}
	return s, nil
}

// DecodeSinks reads sink records until r is exhausted.
func DecodeSinks(r *tagstruct.Reader) ([]Sink, error) {
	sinks := make([]Sink, 0)
	for !r.Done() {
		s, err := DecodeSink(r)
		if err != nil {
			return nil, fmt.Errorf("schema: sink %d: %w", len(sinks), err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
