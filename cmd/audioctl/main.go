package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "audioctl",
		Short: "Inspect and control PulseAudio sinks",
		Long: `audioctl talks the PulseAudio native protocol to list sinks, follow
their changes and adjust volume and mute.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	opts.bind(rootCmd)

	rootCmd.AddCommand(
		listCmd(opts),
		watchCmd(opts),
		volumeCmd(opts),
		muteCmd(opts),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "audioctl: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "audioctl %s (%s)\n", version, commit)
		},
	}
}
