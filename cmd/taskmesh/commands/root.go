// Package commands implements the taskmesh CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Distributed task delegation across your machines",
	Long: `Taskmesh runs a task daemon on each of your machines. Tasks created
on any machine are routed to the least loaded healthy peer through a
shared store, executed there, and their results flow back the same way.

Point every machine's store.path at the same file (network mount or
synced directory) to form the mesh.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")
}
