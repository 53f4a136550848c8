package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cpusim",
		Short: "Proportional-share CPU scheduling simulator",
		Long: `cpusim simulates a population of threads competing for one CPU.

Each tick, running threads receive CPU time in proportion to their
priority weight (critical=4, high=3, medium=2, low=1), accumulate
progress toward a target duration and complete when they reach it.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newSimulateCmd(),
		newProbeCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
