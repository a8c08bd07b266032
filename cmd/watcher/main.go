package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "watcher",
	Short: "Azimuth contract watcher",
	Long: "Indexes the events of watched Azimuth contracts and serves cached contract " +
		"view calls, events and state over GraphQL",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "f", "", "Path to configuration file (YAML)")
	flags.String("rpc", "", "Ethereum RPC endpoint URL")
	flags.String("db-engine", "", "Database engine (pgsql, sqlite)")
	flags.String("sqlite-file", "", "SQLite database file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (json, console)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
