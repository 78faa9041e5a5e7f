package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/audio/internal/config"
	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/observability"
	"github.com/balena-io-experimental/audio/internal/pulse"
	"github.com/balena-io-experimental/audio/internal/sinks"
)

type rootOptions struct {
	configPath string
	server     string
	timeout    time.Duration

	cfg      config.Config
	registry *prometheus.Registry
	metrics  *observability.Metrics
}

func (o *rootOptions) bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "", "config file (.toml, .yaml)")
	flags.StringVarP(&o.server, "server", "s", "", "PulseAudio server string, overrides the config file")
	flags.DurationVar(&o.timeout, "timeout", 10*time.Second, "connect and request deadline for one-shot commands")
}

func (o *rootOptions) load() error {
	logging.ConfigureRuntime()

	o.cfg = config.Default()
	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		o.cfg = cfg
	}
	if o.server != "" {
		o.cfg.Pulse.Server = o.server
	}

	o.registry = prometheus.NewRegistry()
	o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	o.metrics = observability.NewMetrics(o.registry)
	o.cfg.Pulse.Metrics = o.metrics
	return nil
}

// session is one connected client with a registry on top.
type session struct {
	client   *pulse.Client
	registry *sinks.Registry
}

func (o *rootOptions) connect(ctx context.Context) (*session, error) {
	client, err := pulse.Connect(ctx, o.cfg.Pulse)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	info := client.Info()
	logging.Debugf("audioctl connected server=%q version=%d", info.Server.PackageVersion, info.ServerVersion)
	return &session{
		client:   client,
		registry: sinks.New(client, o.cfg.Sinks, sinks.WithMetrics(o.metrics)),
	}, nil
}

func (s *session) Close() {
	_ = s.registry.Close()
	_ = s.client.Close()
}

// oneShot runs fn against a fresh session bounded by the --timeout flag.
func (o *rootOptions) oneShot(fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	s, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
