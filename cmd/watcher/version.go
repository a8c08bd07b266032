package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deep-stack/azimuth-watcher/api"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "azimuth-watcher %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", buildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "  API:        %s\n", api.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
