// Package cmd implements the fleetstream command line.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleetstream",
	Short: "Device log streaming and rotation notifications for the fleet console",
	Long: `fleetstream authenticates fleet console users, tracks their SSE connections,
streams device logs to the connections subscribed to each device and tells
every browser when the rotation schedule changes.`,
	SilenceUsage: true,
}

// SetVersion sets the version reported by the version command and --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "fleetstream version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newNudgeCmd())
	rootCmd.AddCommand(newDevicesCmd())
}
