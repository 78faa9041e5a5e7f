package schema

import (
	"fmt"

	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// SubscriptionMask selects which facilities the server reports on.
type SubscriptionMask uint32

const (
	SubscriptionMaskSink         SubscriptionMask = 0x0001
	SubscriptionMaskSource       SubscriptionMask = 0x0002
	SubscriptionMaskSinkInput    SubscriptionMask = 0x0004
	SubscriptionMaskSourceOutput SubscriptionMask = 0x0008
	SubscriptionMaskModule       SubscriptionMask = 0x0010
	SubscriptionMaskClient       SubscriptionMask = 0x0020
	SubscriptionMaskServer       SubscriptionMask = 0x0080
	SubscriptionMaskCard         SubscriptionMask = 0x0200
)

type Facility uint32

const (
	FacilitySink         Facility = 0
	FacilitySource       Facility = 1
	FacilitySinkInput    Facility = 2
	FacilitySourceOutput Facility = 3
	FacilityModule       Facility = 4
	FacilityClient       Facility = 5
	FacilitySampleCache  Facility = 6
	FacilityServer       Facility = 7
	FacilityCard         Facility = 9
)

var facilityNames = map[Facility]string{
	FacilitySink:         "sink",
	FacilitySource:       "source",
	FacilitySinkInput:    "sink_input",
	FacilitySourceOutput: "source_output",
	FacilityModule:       "module",
	FacilityClient:       "client",
	FacilitySampleCache:  "sample_cache",
	FacilityServer:       "server",
	FacilityCard:         "card",
}

func (f Facility) String() string {
	if name, ok := facilityNames[f]; ok {
		return name
	}
	return fmt.Sprintf("facility(%d)", uint32(f))
}

type EventType uint32

const (
	EventNew    EventType = 0x0000
	EventChange EventType = 0x0010
	EventRemove EventType = 0x0020
)

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventChange:
		return "change"
	case EventRemove:
		return "remove"
	default:
		return fmt.Sprintf("event(0x%02x)", uint32(t))
	}
}

const (
	FacilityMask uint32 = 0x000F
	TypeMask     uint32 = 0x0030
)

// SubscriptionEvent is the body of a SUBSCRIBE_EVENT packet.
type SubscriptionEvent struct {
	Facility Facility
	Type     EventType
	Index    uint32
}

func (e SubscriptionEvent) IsSinkChange() bool {
	return e.Facility == FacilitySink && e.Type == EventChange
}

// Details recombines facility and type into the wire word.
func (e SubscriptionEvent) Details() uint32 {
	return uint32(e.Facility)&FacilityMask | uint32(e.Type)&TypeMask
}

// DecodeSubscriptionEvent reads the details word and object index that
// follow the command and tag.
func DecodeSubscriptionEvent(r *tagstruct.Reader) (SubscriptionEvent, error) {
	details, err := r.U32()
	if err != nil {
		return SubscriptionEvent{}, fmt.Errorf("schema: subscription event details: %w", err)
	}
	index, err := r.U32()
	if err != nil {
		return SubscriptionEvent{}, fmt.Errorf("schema: subscription event index: %w", err)
	}
	return SubscriptionEvent{
		Facility: Facility(details & FacilityMask),
		Type:     EventType(details & TypeMask),
		Index:    index,
	}, nil
}

func SubscriptionEventValues(e SubscriptionEvent) []tagstruct.Value {
	return []tagstruct.Value{tagstruct.U32(e.Details()), tagstruct.U32(e.Index)}
}
