package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/exocore/cell/internal/xlog"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "exocore",
	Short:   "Exocore cell engine",
	Long:    "Exocore runs one node's chain store, replication engine, and entity index for a single cell.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("exocore version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Cell data directory")

	rootCmd.AddCommand(initCmd, runCmd, statusCmd)
}

func setupLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	xlog.Init(xlog.Config{Level: xlog.ParseLevel(level), JSON: jsonOut})
}
