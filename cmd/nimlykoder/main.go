package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running without a subcommand serves.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "nimlykoder",
		Short: "Manage PIN codes on a Zigbee smart lock.",
		Long: `nimlykoder keeps a table of named PIN codes in sync with the slots of a
smart lock reached through Zigbee2MQTT, and revokes guest codes once their
expiry date has passed.

Running without a subcommand starts the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgFile)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./nimlykoder.yaml or /etc/nimlykoder/nimlykoder.yaml)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the REST and WebSocket API and run the expiry scheduler",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), cfgFile)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Revoke every expired code now and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSweep(cmd.Context(), cfgFile, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print the stored codes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runList(cmd.Context(), cfgFile, cmd.OutOrStdout())
			},
		},
	)

	return cmd
}
