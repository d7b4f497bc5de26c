package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	watchObserver string
	watchTimeout  int

	reportSession string
)

func init() {
	rootCmd.AddCommand(watchCmd, reportCmd, keyCmd)

	watchCmd.Flags().StringVar(&watchObserver, "observer", "", "Session to notify when the target goes idle (required)")
	watchCmd.Flags().IntVar(&watchTimeout, "timeout", 1800, "Give up after this many seconds")
	_ = watchCmd.MarkFlagRequired("observer")

	reportCmd.Flags().StringVar(&reportSession, "session", "", "Reporting session id (required)")
	_ = reportCmd.MarkFlagRequired("session")
}

var watchCmd = &cobra.Command{
	Use:   "watch <session>",
	Short: "Notify an observer session when the target goes idle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var out struct {
			WatchID string `json:"watch_id"`
		}
		err = c.do("POST", "/watch", map[string]any{
			"target_id":       args[0],
			"observer_id":     watchObserver,
			"timeout_seconds": watchTimeout,
		}, &out)
		if err != nil {
			return err
		}
		fmt.Printf("watching %s (watch %s)\n", args[0], out.WatchID)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <text>...",
	Short: "Record an agent status report (resets its reminder clock)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		text := args[0]
		for _, a := range args[1:] {
			text += " " + a
		}
		err = c.do("POST", "/sessions/"+reportSession+"/agent-status", map[string]any{"text": text}, nil)
		if err != nil {
			return err
		}
		fmt.Println("recorded")
		return nil
	},
}

var keyCmd = &cobra.Command{
	Use:   "key <session> <key>",
	Short: "Send a raw key (e.g. Escape, C-c, Down) to a session's pane",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.do("POST", "/sessions/"+args[0]+"/key", map[string]any{"key": args[1]}, nil); err != nil {
			return err
		}
		fmt.Println("sent")
		return nil
	},
}
