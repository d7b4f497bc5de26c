package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/style"
)

var (
	newProvider       string
	newDir            string
	newName           string
	newParent         string
	newEM             bool
	newCommand        string
	newContextMonitor bool

	outputLines int
)

func init() {
	rootCmd.AddCommand(newCmd, listCmd, statusCmd, killCmd, outputCmd)

	newCmd.Flags().StringVar(&newProvider, "provider", constants.ProviderClaudeTmux, "Agent provider (claude_tmux, codex_tmux, codex_app)")
	newCmd.Flags().StringVar(&newDir, "dir", "", "Working directory for the agent")
	newCmd.Flags().StringVar(&newName, "name", "", "Friendly name for the session")
	newCmd.Flags().StringVar(&newParent, "parent", "", "Parent session id")
	newCmd.Flags().BoolVar(&newEM, "em", false, "Mark this session as the EM (inherits the chat topic)")
	newCmd.Flags().StringVar(&newCommand, "command", "", "Override the provider's launch command")
	newCmd.Flags().BoolVar(&newContextMonitor, "context-monitor", false, "Notify the parent as the agent's context fills up")

	outputCmd.Flags().IntVarP(&outputLines, "lines", "n", 50, "Number of pane lines to show")
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new agent session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var sess sessionView
		err = c.do("POST", "/sessions", map[string]any{
			"provider":        newProvider,
			"working_dir":     newDir,
			"friendly_name":   newName,
			"parent_id":       newParent,
			"is_em":           newEM,
			"command":         newCommand,
			"context_monitor": newContextMonitor,
		}, &sess)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%s)\n", style.Bold.Render("started"), sess.displayName(), sess.ID)
		if sess.TmuxName != "" {
			fmt.Printf("  pane: %s\n", sess.TmuxName)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var sessions []sessionView
		if err := c.do("GET", "/sessions", nil, &sessions); err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		t := style.NewTable(
			style.Column{Name: "ID", Width: 8},
			style.Column{Name: "NAME", Width: 18},
			style.Column{Name: "PROVIDER", Width: 12},
			style.Column{Name: "STATUS", Width: 9},
			style.Column{Name: "LAST ACTIVITY", Width: 14},
			style.Column{Name: "STATUS NOTE", Width: 36},
		)
		for _, s := range sessions {
			t.AddRow(s.ID, s.FriendlyName, s.Provider, style.Status(s.Status),
				ago(s.LastActivity), s.AgentStatusText)
		}
		fmt.Print(t.Render())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var s sessionView
		if err := c.do("GET", "/sessions/"+args[0], nil, &s); err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", style.Bold.Render(s.displayName()), s.ID)
		fmt.Printf("  provider:  %s\n", s.Provider)
		fmt.Printf("  status:    %s\n", style.Status(s.Status))
		if s.TmuxName != "" {
			fmt.Printf("  pane:      %s\n", s.TmuxName)
		}
		if s.WorkingDir != "" {
			fmt.Printf("  dir:       %s\n", s.WorkingDir)
		}
		if s.ParentID != "" {
			fmt.Printf("  parent:    %s\n", s.ParentID)
		}
		fmt.Printf("  created:   %s\n", s.CreatedAt.Format(time.RFC3339))
		fmt.Printf("  activity:  %s", ago(s.LastActivity))
		if s.LastToolName != "" {
			fmt.Printf(" (%s)", s.LastToolName)
		}
		fmt.Println()
		if s.TokensUsed > 0 {
			fmt.Printf("  tokens:    %d\n", s.TokensUsed)
		}
		if s.AgentStatusText != "" {
			fmt.Printf("  reported:  %s (%s)\n", s.AgentStatusText, ago(s.AgentStatusAt))
		}
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <session>",
	Short: "Stop a session and drop its queued messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.do("DELETE", "/sessions/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("killed %s\n", args[0])
		return nil
	},
}

var outputCmd = &cobra.Command{
	Use:   "output <session>",
	Short: "Show the tail of a session's pane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var out struct {
			Output string `json:"output"`
		}
		path := fmt.Sprintf("/sessions/%s/output?lines=%d", args[0], outputLines)
		if err := c.do("GET", path, nil, &out); err != nil {
			return err
		}
		fmt.Println(out.Output)
		return nil
	},
}

// ago renders a timestamp as a rough age.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
