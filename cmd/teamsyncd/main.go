// Command teamsyncd is the teamsync daemon and management CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "teamsyncd",
	Short: "Multi-peer synchronization engine for team-data instances",
	Long: `teamsyncd keeps several independently-running instances of the
team-data application converged on the same relational data and a bounded
set of on-disk files, without a central coordinator.

Each instance captures its own mutations into a durable change log, runs
periodic bidirectional sync sessions against its registered peers, and
replicates watched files with debounced change detection and bounded retry.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(statusCmd)
}
