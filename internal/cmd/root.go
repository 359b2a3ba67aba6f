// Package cmd implements the bridge CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mudco/bridge/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Relay between chat channels and tmux coding agents",
	Long: `bridge connects Discord or Slack channels to coding agents running in
tmux panes. Messages typed in a bound channel are delivered to the
agent's pane; agent output is polled from the pane and relayed back.
Agents can also push lifecycle events to the local hook server instead
of relying on capture polling.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
