package schema

import (
	"fmt"

	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// Reply is the decoded body of a REPLY packet. The concrete type depends on
// the command of the request it answers.
type Reply interface {
	ReplyTo() Command
}

type AuthReply struct {
	// ServerVersion is the low 16 bits of the version word.
	ServerVersion uint32
	// Raw keeps the high flag bits the server may set.
	Raw uint32
}

type ClientNameReply struct {
	ClientIndex uint32
}

type ServerInfoReply struct {
	Info ServerInfo
}

type SinkInfoReply struct {
	Sink Sink
}

type SinkInfoListReply struct {
	Sinks []Sink
}

// AckReply answers commands whose reply carries no body.
type AckReply struct {
	Command Command
}

func (AuthReply) ReplyTo() Command         { return CommandAuth }
func (ClientNameReply) ReplyTo() Command   { return CommandSetClientName }
func (ServerInfoReply) ReplyTo() Command   { return CommandGetServerInfo }
func (SinkInfoReply) ReplyTo() Command     { return CommandGetSinkInfo }
func (SinkInfoListReply) ReplyTo() Command { return CommandGetSinkInfoList }
func (r AckReply) ReplyTo() Command        { return r.Command }

type replyDecoder func(r *tagstruct.Reader) (Reply, error)

var replyDecoders = map[Command]replyDecoder{
	CommandAuth: func(r *tagstruct.Reader) (Reply, error) {
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return AuthReply{ServerVersion: v & 0xFFFF, Raw: v}, nil
	},
	CommandSetClientName: func(r *tagstruct.Reader) (Reply, error) {
		idx, err := r.U32()
		if err != nil {
			return nil, err
		}
		return ClientNameReply{ClientIndex: idx}, nil
	},
	CommandGetServerInfo: func(r *tagstruct.Reader) (Reply, error) {
		info, err := DecodeServerInfo(r)
		if err != nil {
			return nil, err
		}
		return ServerInfoReply{Info: info}, nil
	},
	CommandGetSinkInfo: func(r *tagstruct.Reader) (Reply, error) {
		s, err := DecodeSink(r)
		if err != nil {
			return nil, err
		}
		return SinkInfoReply{Sink: s}, nil
	},
	CommandGetSinkInfoList: func(r *tagstruct.Reader) (Reply, error) {
		sinks, err := DecodeSinks(r)
		if err != nil {
			return nil, err
		}
		return SinkInfoListReply{Sinks: sinks}, nil
	},
}

// DecodeReply decodes the reply body for a request sent with command.
// Commands without a known reply shape decode as AckReply and ignore any
// body bytes.
func DecodeReply(command Command, r *tagstruct.Reader) (Reply, error) {
	dec, ok := replyDecoders[command]
	if !ok {
		if !r.Done() {
			logging.Debugf("schema.DecodeReply ignoring body command=%s bytes=%d", command, r.Remaining())
		}
		return AckReply{Command: command}, nil
	}
	reply, err := dec(r)
	if err != nil {
		return nil, fmt.Errorf("schema: reply to %s: %w", command, err)
	}
	return reply, nil
}

// DecodeServerError reads the error code of an ERROR packet.
func DecodeServerError(r *tagstruct.Reader) (ServerError, error) {
	code, err := r.U32()
	if err != nil {
		return 0, fmt.Errorf("schema: error reply code: %w", err)
	}
	return ServerError(code), nil
}
