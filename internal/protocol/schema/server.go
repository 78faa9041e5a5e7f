package schema

import (
	"fmt"

	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// ServerInfo is the GET_SERVER_INFO reply body.
type ServerInfo struct {
	PackageName       string
	PackageVersion    string
	User              string
	Host              string
	SampleSpec        tagstruct.SampleSpec
	DefaultSinkName   string
	DefaultSourceName string
	Cookie            uint32
	ChannelMap        tagstruct.ChannelMap
}

func (s ServerInfo) Values() []tagstruct.Value {
	return []tagstruct.Value{
		tagstruct.String(s.PackageName),
		tagstruct.String(s.PackageVersion),
		tagstruct.String(s.User),
		tagstruct.String(s.Host),
		s.SampleSpec,
		tagstruct.String(s.DefaultSinkName),
		tagstruct.String(s.DefaultSourceName),
		tagstruct.U32(s.Cookie),
		s.ChannelMap,
	}
}

func DecodeServerInfo(r *tagstruct.Reader) (ServerInfo, error) {
	var (
		s   ServerInfo
		err error
	)
	strs := []struct {
		name string
		dst  *string
	}{
		{"package_name", &s.PackageName},
		{"package_version", &s.PackageVersion},
		{"user", &s.User},
		{"host", &s.Host},
	}
	for _, f := range strs {
		if *f.dst, err = r.String(); err != nil {
			return ServerInfo{}, fmt.Errorf("schema: server info %s: %w", f.name, err)
		}
	}
	if s.SampleSpec, err = r.SampleSpec(); err != nil {
		return ServerInfo{}, fmt.Errorf("schema: server info sample_spec: %w", err)
	}
	if s.DefaultSinkName, err = r.String(); err != nil {
		return ServerInfo{}, fmt.Errorf("schema: server info default_sink: %w", err)
	}
	if s.DefaultSourceName, err = r.String(); err != nil {
		return ServerInfo{}, fmt.Errorf("schema: server info default_source: %w", err)
	}
	if s.Cookie, err = r.U32(); err != nil {
		return ServerInfo{}, fmt.Errorf("schema: server info cookie: %w", err)
	}
	if s.ChannelMap, err = r.ChannelMap(); err != nil {
		return ServerInfo{}, fmt.Errorf("schema: server info channel_map: %w", err)
	}
	return s, nil
}
