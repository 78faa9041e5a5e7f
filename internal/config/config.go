// Package config loads the audioctl configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/balena-io-experimental/audio/internal/pulse"
	"github.com/balena-io-experimental/audio/internal/sinks"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved configuration: connect settings, registry settings
// and the optional metrics listener.
type Config struct {
	Pulse       pulse.Config
	Sinks       sinks.Config
	MetricsAddr string
	// APIToken, when set, is required as a bearer token on HTTP mutations.
	APIToken string
}

func Default() Config {
	return Config{
		Pulse: pulse.DefaultConfig(),
		Sinks: sinks.DefaultConfig(),
	}
}

type fileBackoff struct {
	Initial    string  `toml:"initial" yaml:"initial"`
	Multiplier float64 `toml:"multiplier" yaml:"multiplier"`
	Max        string  `toml:"max" yaml:"max"`
	Jitter     bool    `toml:"jitter" yaml:"jitter"`
	Linear     bool    `toml:"linear" yaml:"linear"`
}

type fileConfig struct {
	Server             string      `toml:"server" yaml:"server"`
	Cookie             string      `toml:"cookie" yaml:"cookie"`
	ClientName         string      `toml:"client_name" yaml:"client_name"`
	Debounce           string      `toml:"debounce" yaml:"debounce"`
	RequestTimeout     string      `toml:"request_timeout" yaml:"request_timeout"`
	ConnectTimeout     string      `toml:"connect_timeout" yaml:"connect_timeout"`
	WriteTimeout       string      `toml:"write_timeout" yaml:"write_timeout"`
	MaxConnectAttempts int         `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	MetricsAddr        string      `toml:"metrics_addr" yaml:"metrics_addr"`
	APIToken           string      `toml:"api_token" yaml:"api_token"`
	Backoff            fileBackoff `toml:"backoff" yaml:"backoff"`
}

// Load reads path as TOML, or YAML when the extension is .yaml or .yml.
// ${VAR} references are expanded first. Keys absent from the file keep
// their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	expanded := ExpandEnv(string(data))

	var (
		raw     fileConfig
		defined func(key ...string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		defined, err = decodeYAML(expanded, &raw)
	default:
		defined, err = decodeTOML(expanded, &raw)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	cfg, err := apply(Default(), raw, defined)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeTOML(data string, raw *fileConfig) (func(key ...string) bool, error) {
	meta, err := toml.Decode(data, raw)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return meta.IsDefined, nil
}

func decodeYAML(data string, raw *fileConfig) (func(key ...string) bool, error) {
	var tree map[string]any
	if err := yaml.Unmarshal([]byte(data), &tree); err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(strings.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return func(key ...string) bool {
		node := any(tree)
		for _, k := range key {
			m, ok := node.(map[string]any)
			if !ok {
				return false
			}
			if node, ok = m[k]; !ok {
				return false
			}
		}
		return true
	}, nil
}

func apply(cfg Config, raw fileConfig, defined func(key ...string) bool) (Config, error) {
	if defined("server") {
		cfg.Pulse.Server = strings.TrimSpace(raw.Server)
	}
	if defined("cookie") {
		cfg.Pulse.CookiePath = strings.TrimSpace(raw.Cookie)
	}
	if defined("client_name") {
		cfg.Pulse.ClientName = strings.TrimSpace(raw.ClientName)
	}
	if defined("max_connect_attempts") {
		cfg.Pulse.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if defined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"debounce", raw.Debounce, &cfg.Sinks.Debounce},
		{"request_timeout", raw.RequestTimeout, &cfg.Pulse.Session.RequestTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Pulse.Session.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Pulse.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %w", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}

	b := &cfg.Pulse.Session.Backoff
	if defined("backoff", "initial") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.Initial))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse backoff.initial: %w", ErrInvalid, err)
		}
		b.InitialDelay = v
	}
	if defined("backoff", "max") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.Max))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse backoff.max: %w", ErrInvalid, err)
		}
		b.MaxDelay = v
	}
	if defined("backoff", "multiplier") {
		b.Multiplier = raw.Backoff.Multiplier
	}
	if defined("backoff", "jitter") {
		b.Jitter = raw.Backoff.Jitter
	}
	if defined("backoff", "linear") {
		b.Linear = raw.Backoff.Linear
	}
	return cfg, nil
}

// Validate rejects values the client cannot run with.
func Validate(cfg Config) error {
	if cfg.Sinks.Debounce <= 0 {
		return fmt.Errorf("%w: debounce must be positive", ErrInvalid)
	}
	s := cfg.Pulse.Session
	if s.RequestTimeout < 0 || s.ConnectTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	if cfg.Pulse.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: max_connect_attempts must not be negative", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Pulse.ClientName) == "" {
		return fmt.Errorf("%w: client_name is required", ErrInvalid)
	}
	b := s.Backoff
	if b.InitialDelay <= 0 {
		return fmt.Errorf("%w: backoff.initial must be positive", ErrInvalid)
	}
	if !b.Linear && b.Multiplier < 1 {
		return fmt.Errorf("%w: backoff.multiplier must be at least 1", ErrInvalid)
	}
	if b.MaxDelay > 0 && b.MaxDelay < b.InitialDelay {
		return fmt.Errorf("%w: backoff.max below backoff.initial", ErrInvalid)
	}
	if cfg.Pulse.Server != "" && len(pulse.ParseServerString(cfg.Pulse.Server)) == 0 {
		return fmt.Errorf("%w: server %q has no usable address", ErrInvalid, cfg.Pulse.Server)
	}
	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			return fmt.Errorf("%w: metrics_addr: %w", ErrInvalid, err)
		}
	}
	return nil
}
