package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "hindsight",
	Short: "Sync AI conversations, extract learnings, search everything",
	Long: `hindsight syncs conversations from CLI session logs and web providers
into one local store, mines them for reusable learnings and workflow
patterns, and serves hybrid full-text/semantic search.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("data-dir", "", "override the data directory")

	rootCmd.AddCommand(syncCmd, scanCmd, searchCmd, learningsCmd, serveCmd, mcpCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
