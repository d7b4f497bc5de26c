package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(handoffCmd, clearCmd)
}

var handoffCmd = &cobra.Command{
	Use:   "handoff <session> <continuation-file>",
	Short: "Reset a session's context and re-prime it from a continuation file",
	Long: `Snapshot the session's terminal, clear the agent's context, and wake it
up pointed at the continuation file. The wake-up fires once the clear
completes; the command returns as soon as the reset is underway.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var out struct {
			SnapshotPath string `json:"snapshot_path"`
			PipeLogPath  string `json:"pipe_log_path"`
		}
		err = c.do("POST", "/sessions/"+args[0]+"/handoff", map[string]any{
			"continuation_path": args[1],
		}, &out)
		if err != nil {
			return err
		}
		fmt.Printf("handoff started for %s\n", args[0])
		if out.SnapshotPath != "" {
			fmt.Printf("  snapshot: %s\n", out.SnapshotPath)
		}
		if out.PipeLogPath != "" {
			fmt.Printf("  pane log: %s\n", out.PipeLogPath)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <session>",
	Short: "Clear a session's context without a handoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.do("POST", "/sessions/"+args[0]+"/clear", map[string]any{}, nil); err != nil {
			return err
		}
		fmt.Printf("cleared %s\n", args[0])
		return nil
	},
}
