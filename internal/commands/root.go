package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "timekeep",
	Short: "Supervised time tracking for clan administration",
	Long: `timekeep is the time tracking session engine of the clan portal.
It runs the request/approve/transfer/close session lifecycle and streams
live events to connected clients over SSE.`,
}

// SetVersion sets the version information
func SetVersion(v string) {
	version = v
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("timekeep %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}
