// Package cli wires the tabtrace commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "tabtrace",
	Short:         "Per-tab browser telemetry capture with redaction",
	Long:          "Attaches to a Chromium instance over CDP, correlates network, console and storage activity per tab, and scrubs secrets before anything is stored or exported.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
