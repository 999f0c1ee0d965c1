package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "repobot",
	Short: "Per-repository automation scripts over a worker fleet",
	Long: `repobot runs sandboxed automation scripts for each repository that
installed it. Webhook deliveries become events on the fleet bus; each
repository's scripts react to them and to their own schedules.

Available commands:
  serve     Run one fleet process; the role comes from ROLE
  local     Run the coordinator and every worker in one process
  check     Load a tenant directory against recording capabilities
  events    List the event types scripts can subscribe to
  version   Print the version

Use "repobot [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
