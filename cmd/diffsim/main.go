// Command diffsim runs information-diffusion simulations from the command
// line and serves them over HTTP and gRPC.
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
		Use:   "diffsim",
		Short: "Information-diffusion simulator",
		Long: `diffsim simulates how information pieces spread over a social network.

A run is described by a YAML configuration (protocol, stop condition,
checkpointing) and a YAML network. Runs can be checkpointed, resumed and
inspected, or submitted to a long-running daemon with 'diffsim serve'.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); defaults to the config's")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newResumeCmd(),
		newInspectCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
