// Package cmd implements the sm command line interface.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sm",
	Short: "Manage terminal agent sessions",
	Long: `sm orchestrates LLM agent sessions running in tmux panes: start and
stop sessions, queue messages for delivery when an agent is ready, hand off
context before it runs out, and watch sessions for idleness.

Most subcommands talk to a running daemon (sm serve) over its loopback API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Exit codes: 0 on success, 1 on a command error,
// 2 when the daemon is unreachable.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sm: %v\n", err)
		if errors.Is(err, errBackend) {
			return 2
		}
		return 1
	}
	return 0
}
