package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "migmetrics",
		Short: "Migration metrics - collect and analyze code migration runs",
		Long: `migmetrics stores and analyzes metrics from LLM-driven code migration
runs: timing, cost, token usage, code size, quality gates and behavioral
contract results. Records are ingested from JSON files or reconstructed
from transcript logs, persisted in SQLite, and queried for aggregate
statistics across runs.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
