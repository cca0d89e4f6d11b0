package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clanforge/timekeep/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of session and request activity",
	Long: `Connect to a running timekeep server's event stream and show
incoming events in an interactive terminal dashboard.

Examples:
  timekeep watch --url http://localhost:8470 --token <bearer>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		return tui.RunWatchTUI(url, token)
	},
}

func init() {
	watchCmd.Flags().String("url", "http://localhost:8470", "Base URL of the timekeep server")
	watchCmd.Flags().String("token", "", "Bearer token for the event stream")
}
