package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time:
//
//	go build -ldflags "-X 'github.com/nfrund/repobot/cmd/repobot/cmd.Version=1.2.0'"
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "repobot %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
