// cmd/tiercached/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tiercached",
	Short: "Multi-tier cache engine with warmup scheduling and monitoring",
	Long: `tiercached runs the tiered cache engine behind an admin HTTP API.

Tiers are consulted fastest first (memory, remote, persistent). Keys read
often are warmed ahead of time from recorded access patterns, and the
monitoring loop raises alerts when hit rate or latency degrade.

Configuration is read from an optional YAML file, then CACHE_* environment
variables. A .env file in the working directory is loaded first if present.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
