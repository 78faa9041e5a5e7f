package paserver

import (
	"fmt"

	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// Sink builds a plausible stereo sink with the given index and description.
func Sink(index uint32, description string) schema.Sink {
	var props tagstruct.PropList
	props.SetText("device.description", description)
	props.SetText("device.class", "sound")
	return schema.Sink{
		Index:              index,
		Name:               fmt.Sprintf("alsa_output.%d.analog-stereo", index),
		Description:        description,
		SampleSpec:         tagstruct.SampleSpec{Format: 3, Channels: 2, Rate: 48000},
		ChannelMap:         tagstruct.ChannelMap{1, 2},
		ModuleIndex:        index + 20,
		Volume:             tagstruct.CVolume{0x8000, 0x8000},
		MonitorSourceIndex: index + 100,
		MonitorSourceName:  fmt.Sprintf("alsa_output.%d.analog-stereo.monitor", index),
		Driver:             "module-alsa-card.c",
		Flags:              schema.SinkHardware | schema.SinkHWVolumeCtrl,
		Props:              props,
		BaseVolume:         0x10000,
		State:              tagstruct.StateSuspended,
		VolumeSteps:        0x10001,
		CardIndex:          index,
		Ports: tagstruct.Ports{
			{Name: "analog-output-speaker", Description: "Speakers", Priority: 10000, Availability: tagstruct.AvailabilityUnknown},
			{Name: "analog-output-headphones", Description: "Headphones", Priority: 9900, Availability: tagstruct.AvailabilityNo},
		},
		ActivePortName: "analog-output-speaker",
		Formats:        tagstruct.Formats{{Encoding: 1, Props: tagstruct.PropList{}}},
	}
}
