// Kazi — Sandboxed Task Execution Orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — multi-tenant sandboxed task execution orchestrator.",
	Long: `Kazi executes untrusted tool calls inside pooled isolation units.
It manages per-session sandboxes with warm reuse and capacity caps, routes
code execution, browser automation, and file processing through a dispatch
coordinator with timeout enforcement, and exposes an HTTP API with
websocket task streaming.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
