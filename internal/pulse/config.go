package pulse

import (
	"context"
	"net"

	"github.com/balena-io-experimental/audio/internal/observability"
	"github.com/balena-io-experimental/audio/internal/protocol/session"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// DialFunc opens a stream connection to one resolved server address.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Config struct {
	// Server is a PulseAudio server string. Empty falls back to PULSE_SERVER
	// and then to the per-user native socket.
	Server string
	// Cookie is sent as-is when set.
	Cookie []byte
	// CookiePath is read when Cookie is empty.
	CookiePath string
	// ClientName becomes application.name.
	ClientName string
	// Props are merged over the default client properties.
	Props tagstruct.PropList

	Session            session.Config
	MaxConnectAttempts int

	Metrics *observability.Metrics
	Dial    DialFunc
}

func DefaultConfig() Config {
	return Config{
		ClientName: "audio",
		Session:    session.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = "audio"
	}
	c.Session = c.Session.WithDefaults()
	if c.MaxConnectAttempts < 0 {
		c.MaxConnectAttempts = 0
	}
	if c.Dial == nil {
		dialer := &net.Dialer{Timeout: c.Session.ConnectTimeout}
		c.Dial = dialer.DialContext
	}
	return c
}

func (c Config) clientProps() tagstruct.PropList {
	props := session.ClientProps(c.ClientName)
	for _, p := range c.Props {
		props.Set(p.Key, p.Value)
	}
	return props
}
