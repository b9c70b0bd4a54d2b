// Shadectl is a command-line client for Connector-family window covering
// hubs.
//
// It discovers hubs and their paired coverings over the LAN, sends open,
// close, stop, position, and tilt commands, and queries device status.
// An interactive dashboard is available via 'shadectl dashboard'.
//
// Usage:
//
//	shadectl [command] [flags]
//
// See 'shadectl --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/shadectl/internal/logging"
	"github.com/muurk/shadectl/internal/version"
)

func main() {
	logging.InitializeFromEnv()
	defer logging.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shadectl",
	Short: "Window covering hub control utility",
	Long: `A command-line client for Connector-family window covering hubs.

Discovers hubs on the local network, lists the coverings paired to them,
and sends movement commands. Requires the 16-character application key
from the vendor app (Settings, About, tap the version five times); store
it once with 'shadectl key'.`,
	Version: version.Version,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shadectl %s (commit: %s)\n", version.Version, version.Commit)
	},
}
