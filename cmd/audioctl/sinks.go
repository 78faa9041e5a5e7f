package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/audio/internal/sinks"
)

func listCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sinks in position order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.oneShot(func(ctx context.Context, s *session) error {
				list, err := s.registry.Sinks(ctx)
				if err != nil {
					return err
				}
				active, err := s.registry.ActiveOrDefault(ctx)
				if err != nil && len(list) > 0 {
					return err
				}
				printSinks(cmd.OutOrStdout(), list, active)
				return nil
			})
		},
	}
}

func printSinks(w io.Writer, list []sinks.Projection, active int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tINDEX\tDESCRIPTION\tVOLUME\tMUTE\tSTATE\tPORT")
	for _, p := range list {
		marker := " "
		if p.Position == active {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s%d\t%d\t%s\t%d%%\t%t\t%s\t%s\n",
			marker, p.Position, p.Index, p.Description, p.Volume, p.Mute, p.State, portLabel(p))
	}
	_ = tw.Flush()
}

func portLabel(p sinks.Projection) string {
	if p.ActivePortDescription != "" {
		return p.ActivePortDescription
	}
	if p.ActivePortName != "" {
		return p.ActivePortName
	}
	return "-"
}

// volumeArg is an absolute percentage or a signed relative step.
type volumeArg struct {
	value    int
	relative bool
}

func parseVolumeArg(raw string) (volumeArg, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "%")
	relative := strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "-")
	v, err := strconv.Atoi(raw)
	if err != nil {
		return volumeArg{}, fmt.Errorf("invalid volume %q", raw)
	}
	if !relative && (v < 0 || v > 100) {
		return volumeArg{}, fmt.Errorf("volume %d out of range 0-100", v)
	}
	return volumeArg{value: v, relative: relative}, nil
}

// resolvePosition parses a position argument or falls back to the active sink.
func resolvePosition(ctx context.Context, reg *sinks.Registry, args []string) (int, error) {
	if len(args) == 0 {
		return reg.ActiveOrDefault(ctx)
	}
	pos, err := strconv.Atoi(args[0])
	if err != nil || pos < 0 {
		return 0, fmt.Errorf("invalid sink position %q", args[0])
	}
	return pos, nil
}

func volumeCmd(opts *rootOptions) *cobra.Command {
	var sinkPos int
	cmd := &cobra.Command{
		Use:   "volume [PERCENT|+N|-N]",
		Short: "Show or change the volume of a sink",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg *volumeArg
			if len(args) == 1 {
				v, err := parseVolumeArg(args[0])
				if err != nil {
					return err
				}
				arg = &v
			}
			return opts.oneShot(func(ctx context.Context, s *session) error {
				pos, err := positionFlag(ctx, cmd, s.registry, sinkPos)
				if err != nil {
					return err
				}
				switch {
				case arg == nil:
				case arg.relative:
					err = s.registry.UpdateVolume(ctx, pos, arg.value)
				default:
					err = s.registry.SetVolume(ctx, pos, arg.value)
				}
				if err != nil {
					return err
				}
				if arg != nil {
					return nil
				}
				v, err := s.registry.Volume(ctx, pos)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d%%\n", v)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&sinkPos, "sink", "k", -1, "sink position (default: active sink)")
	return cmd
}

func muteCmd(opts *rootOptions) *cobra.Command {
	var sinkPos int
	cmd := &cobra.Command{
		Use:       "mute [on|off|toggle]",
		Short:     "Show or change the mute state of a sink",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "toggle"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.oneShot(func(ctx context.Context, s *session) error {
				pos, err := positionFlag(ctx, cmd, s.registry, sinkPos)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					p, err := s.registry.Sink(ctx, pos)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%t\n", p.Mute)
					return nil
				}
				switch args[0] {
				case "on":
					return s.registry.SetMute(ctx, pos, true)
				case "off":
					return s.registry.SetMute(ctx, pos, false)
				default:
					return s.registry.ToggleMute(ctx, pos)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&sinkPos, "sink", "k", -1, "sink position (default: active sink)")
	return cmd
}

func positionFlag(ctx context.Context, cmd *cobra.Command, reg *sinks.Registry, pos int) (int, error) {
	if cmd.Flags().Changed("sink") {
		return resolvePosition(ctx, reg, []string{strconv.Itoa(pos)})
	}
	return resolvePosition(ctx, reg, nil)
}
