package pulse

import (
	"context"

	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/session"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
	"github.com/balena-io-experimental/audio/internal/sinks"
)

// ServerInfo fetches fresh server information.
func (c *Client) ServerInfo(ctx context.Context) (schema.ServerInfo, error) {
	d, err := c.dispatcher(ctx)
	if err != nil {
		return schema.ServerInfo{}, err
	}
	reply, err := session.RequestAs[schema.ServerInfoReply](ctx, d, schema.CommandGetServerInfo)
	return reply.Info, err
}

// DefaultSink addresses the server's default sink as reported at handshake.
func (c *Client) DefaultSink() schema.SinkRef {
	return schema.ByName(c.Info().Server.DefaultSinkName)
}

func (c *Client) ListSinks(ctx context.Context) ([]schema.Sink, error) {
	d, err := c.dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	reply, err := session.RequestAs[schema.SinkInfoListReply](ctx, d, schema.CommandGetSinkInfoList)
	return reply.Sinks, err
}

func (c *Client) Sink(ctx context.Context, ref schema.SinkRef) (schema.Sink, error) {
	d, err := c.dispatcher(ctx)
	if err != nil {
		return schema.Sink{}, err
	}
	reply, err := session.RequestAs[schema.SinkInfoReply](ctx, d, schema.CommandGetSinkInfo, schema.GetSinkInfoRequest(ref)...)
	return reply.Sink, err
}

func (c *Client) SetSinkVolume(ctx context.Context, ref schema.SinkRef, volumes tagstruct.CVolume) error {
	d, err := c.dispatcher(ctx)
	if err != nil {
		return err
	}
	_, err = d.Request(ctx, schema.CommandSetSinkVolume, schema.SetSinkVolumeRequest(ref, volumes)...)
	return err
}

func (c *Client) SetSinkMute(ctx context.Context, ref schema.SinkRef, mute bool) error {
	d, err := c.dispatcher(ctx)
	if err != nil {
		return err
	}
	_, err = d.Request(ctx, schema.CommandSetSinkMute, schema.SetSinkMuteRequest(ref, mute)...)
	return err
}

// Subscribe asks the server for events on the facilities in mask.
func (c *Client) Subscribe(ctx context.Context, mask schema.SubscriptionMask) error {
	d, err := c.dispatcher(ctx)
	if err != nil {
		return err
	}
	_, err = d.Request(ctx, schema.CommandSubscribe, schema.SubscribeRequest(mask)...)
	return err
}

// Notifications attaches a new event subscriber to the dispatcher. Reply
// notifications are not delivered.
func (c *Client) Notifications(ctx context.Context, buffer int) (<-chan session.Notification, func(), error) {
	d, err := c.dispatcher(ctx)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := d.SubscribeEvents(buffer)
	return ch, cancel, nil
}

// SetVolume sets every channel of ref to percent of its base volume.
func (c *Client) SetVolume(ctx context.Context, ref schema.SinkRef, percent int) error {
	sink, err := c.Sink(ctx, ref)
	if err != nil {
		return err
	}
	channels := len(sink.Volume)
	if channels == 0 {
		channels = int(sink.SampleSpec.Channels)
	}
	return c.SetSinkVolume(ctx, schema.ByIndex(sink.Index), sinks.UniformVolume(channels, percent, sink.BaseVolume))
}

// Volume returns the volume of ref as a percentage of its base volume.
func (c *Client) Volume(ctx context.Context, ref schema.SinkRef) (int, error) {
	sink, err := c.Sink(ctx, ref)
	if err != nil {
		return 0, err
	}
	return sinks.VolumeToPercent(sink.Volume, sink.BaseVolume), nil
}

var _ sinks.Backend = (*Client)(nil)
