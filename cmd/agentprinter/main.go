package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentprinter",
		Short: "Real-time UI protocol server",
		Long: `agentprinter pushes declarative UI trees and incremental patches to
thin clients and routes their actions back into server-side handlers.

Delivery runs over three transports sharing one per-session sequence
space:

  • WebSocket push at /ws
  • Server-sent events at /stream
  • HTTP polling at /poll/{session_id} and /send/{session_id}`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentprinter %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
