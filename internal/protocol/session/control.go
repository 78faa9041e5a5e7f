package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

var (
	ErrIncompatibleVersion = errors.New("session: incompatible server protocol version")
	ErrUnexpectedReply     = errors.New("session: unexpected reply type")
)

// HandshakeConfig is what the client presents to the server.
type HandshakeConfig struct {
	Cookie []byte
	Props  tagstruct.PropList
}

// HandshakeResult is what the server told us during the handshake.
type HandshakeResult struct {
	ServerVersion uint32
	ClientIndex   uint32
	Server        schema.ServerInfo
}

// ClientProps returns the client property list sent with SET_CLIENT_NAME.
func ClientProps(name string) tagstruct.PropList {
	var props tagstruct.PropList
	props.SetText("application.name", name)
	props.SetText("application.process.id", strconv.Itoa(os.Getpid()))
	props.SetText("application.process.binary", filepath.Base(os.Args[0]))
	return props
}

// Handshake authenticates, names the client and fetches server info. The
// dispatcher must already be started.
func Handshake(ctx context.Context, d *Dispatcher, cfg HandshakeConfig) (HandshakeResult, error) {
	var res HandshakeResult

	auth, err := RequestAs[schema.AuthReply](ctx, d, schema.CommandAuth, schema.AuthRequest(schema.ProtocolVersion, cfg.Cookie)...)
	if err != nil {
		return res, fmt.Errorf("session: auth: %w", err)
	}
	res.ServerVersion = auth.ServerVersion
	if auth.ServerVersion < schema.MinServerVersion {
		return res, fmt.Errorf("%w: server=%d min=%d", ErrIncompatibleVersion, auth.ServerVersion, schema.MinServerVersion)
	}

	props := cfg.Props
	if len(props) == 0 {
		props = ClientProps("audio")
	}
	name, err := RequestAs[schema.ClientNameReply](ctx, d, schema.CommandSetClientName, schema.SetClientNameRequest(props)...)
	if err != nil {
		return res, fmt.Errorf("session: set client name: %w", err)
	}
	res.ClientIndex = name.ClientIndex

	info, err := RequestAs[schema.ServerInfoReply](ctx, d, schema.CommandGetServerInfo)
	if err != nil {
		return res, fmt.Errorf("session: server info: %w", err)
	}
	res.Server = info.Info

	logging.Infof(
		"session.Handshake ok server_version=%d client_index=%d server=%q version=%q",
		res.ServerVersion,
		res.ClientIndex,
		res.Server.PackageName,
		res.Server.PackageVersion,
	)
	return res, nil
}

// RequestAs issues a request and asserts the reply type.
func RequestAs[T schema.Reply](ctx context.Context, d *Dispatcher, command schema.Command, body ...tagstruct.Value) (T, error) {
	var zero T
	reply, err := d.Request(ctx, command, body...)
	if err != nil {
		return zero, err
	}
	typed, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s got %T", ErrUnexpectedReply, command, reply)
	}
	return typed, nil
}
