// Package schema maps PulseAudio command codes to request and reply shapes.
package schema

import (
	"fmt"

	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// ProtocolVersion is the native protocol version this client speaks.
const ProtocolVersion uint32 = 32

// MinServerVersion is the oldest server protocol whose sink replies carry
// every field DecodeSink reads.
const MinServerVersion uint32 = 24

type Command uint32

const (
	CommandError           Command = 0
	CommandTimeout         Command = 1
	CommandReply           Command = 2
	CommandAuth            Command = 8
	CommandSetClientName   Command = 9
	CommandGetServerInfo   Command = 20
	CommandGetSinkInfo     Command = 21
	CommandGetSinkInfoList Command = 22
	CommandSubscribe       Command = 35
	CommandSetSinkVolume   Command = 36
	CommandSetSinkMute     Command = 39
	CommandSubscribeEvent  Command = 66
)

var commandNames = map[Command]string{
	CommandError:           "ERROR",
	CommandTimeout:         "TIMEOUT",
	CommandReply:           "REPLY",
	CommandAuth:            "AUTH",
	CommandSetClientName:   "SET_CLIENT_NAME",
	CommandGetServerInfo:   "GET_SERVER_INFO",
	CommandGetSinkInfo:     "GET_SINK_INFO",
	CommandGetSinkInfoList: "GET_SINK_INFO_LIST",
	CommandSubscribe:       "SUBSCRIBE",
	CommandSetSinkVolume:   "SET_SINK_VOLUME",
	CommandSetSinkMute:     "SET_SINK_MUTE",
	CommandSubscribeEvent:  "SUBSCRIBE_EVENT",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("COMMAND_%d", uint32(c))
}

// NoTag is the request tag the server uses for unsolicited packets.
const NoTag uint32 = 0xFFFFFFFF

// Header returns the command and request tag values that open every
// payload.
func Header(c Command, tag uint32) []tagstruct.Value {
	return []tagstruct.Value{tagstruct.U32(c), tagstruct.U32(tag)}
}

// SinkRef addresses a sink either by protocol index or by name.
type SinkRef struct {
	index  uint32
	name   string
	byName bool
}

func ByIndex(index uint32) SinkRef { return SinkRef{index: index} }

func ByName(name string) SinkRef {
	return SinkRef{index: tagstruct.InvalidIndex, name: name, byName: true}
}

// Index returns the protocol index and whether the ref addresses by index.
func (r SinkRef) Index() (uint32, bool) { return r.index, !r.byName }

// Name returns the sink name and whether the ref addresses by name.
func (r SinkRef) Name() (string, bool) { return r.name, r.byName }

// ID is the wire identifier: index plus an empty name, or the invalid index
// plus a name.
func (r SinkRef) ID() tagstruct.SinkID {
	if r.byName {
		return tagstruct.SinkID{Index: tagstruct.InvalidIndex, Name: r.name}
	}
	return tagstruct.SinkID{Index: r.index}
}

func (r SinkRef) String() string {
	if r.byName {
		return fmt.Sprintf("name=%q", r.name)
	}
	return fmt.Sprintf("index=%d", r.index)
}

func AuthRequest(version uint32, cookie []byte) []tagstruct.Value {
	return []tagstruct.Value{tagstruct.U32(version), tagstruct.Arbitrary(cookie)}
}

func SetClientNameRequest(props tagstruct.PropList) []tagstruct.Value {
	return []tagstruct.Value{props}
}

func GetSinkInfoRequest(ref SinkRef) []tagstruct.Value {
	return []tagstruct.Value{ref.ID()}
}

func SetSinkVolumeRequest(ref SinkRef, volumes tagstruct.CVolume) []tagstruct.Value {
	return []tagstruct.Value{ref.ID(), volumes}
}

func SetSinkMuteRequest(ref SinkRef, mute bool) []tagstruct.Value {
	return []tagstruct.Value{ref.ID(), tagstruct.Bool(mute)}
}

func SubscribeRequest(mask SubscriptionMask) []tagstruct.Value {
	return []tagstruct.Value{tagstruct.U32(mask)}
}
