// Package cmd wires the engine's command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "writepath",
	Short: "An LSM write-buffer engine",
	Long: `An in-memory write-buffer engine for LSM key-value stores with
multi-tenant buffering, MVCC reads, and rate-limited background ingest.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("couldn't execute app,", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(benchCmd)
}
