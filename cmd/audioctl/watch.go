package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/audio/internal/auth"
	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/server"
	"github.com/balena-io-experimental/audio/internal/sinks"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print sink changes as they happen",
		Long: `watch keeps a connection open, prints one line per sink change and,
when a metrics address is configured, serves /health, /ready, /metrics and
the /sinks API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				opts.cfg.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for the HTTP endpoint, overrides the config file")
	return cmd
}

func runWatch(ctx context.Context, opts *rootOptions, out io.Writer) error {
	s, err := opts.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.registry.Sinks(ctx)
	if err != nil {
		return err
	}
	active, _ := s.registry.ActiveOrDefault(ctx)
	printSinks(out, list, active)

	serveErr := make(chan error, 1)
	if opts.cfg.MetricsAddr != "" {
		srvOpts := server.Options{
			Sinks:    s.registry,
			Ready:    s.client,
			Gatherer: opts.registry,
			Metrics:  opts.metrics,
		}
		if opts.cfg.APIToken != "" {
			srvOpts.Auth = auth.StaticToken{Token: opts.cfg.APIToken}
		}
		srv := server.New(srvOpts)
		go func() { serveErr <- srv.Serve(ctx, opts.cfg.MetricsAddr) }()
	}

	changes, cancel := s.registry.Subscribe(32)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			logging.Infof("audioctl.watch stopping")
			return nil
		case <-s.client.Done():
			return errors.New("connection to server lost")
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("http endpoint: %w", err)
			}
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, formatChange(c))
		}
	}
}

func formatChange(c sinks.Change) string {
	fields := make([]string, 0, len(c.Fields))
	for f, fc := range c.Fields {
		fields = append(fields, fmt.Sprintf("%s=%v->%v", f, fc.Old, fc.New))
	}
	sort.Strings(fields)
	return fmt.Sprintf("%d %q %s", c.Position, c.Sink.Description, strings.Join(fields, " "))
}
