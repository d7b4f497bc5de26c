package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	sendMode       string
	sendUrgent     bool
	sendImportant  bool
	sendNotify     bool
	sendSender     string
	sendParent     string
	sendRemindSoft int
	sendRemindHard int
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendMode, "mode", "", "Delivery mode: sequential, important or urgent")
	sendCmd.Flags().BoolVarP(&sendUrgent, "urgent", "u", false, "Interrupt the agent's current turn (same as --mode urgent)")
	sendCmd.Flags().BoolVarP(&sendImportant, "important", "i", false, "Flag the message as important (same as --mode important)")
	sendCmd.Flags().BoolVar(&sendNotify, "notify", false, "Notify the sender when the target next finishes a turn")
	sendCmd.Flags().StringVar(&sendSender, "from", "", "Sending session id (for agent-to-agent traffic)")
	sendCmd.Flags().StringVar(&sendParent, "parent", "", "Register periodic wake-ups for this parent session id")
	sendCmd.Flags().IntVar(&sendRemindSoft, "remind-soft", 0, "Soft reminder threshold in seconds (0 = none)")
	sendCmd.Flags().IntVar(&sendRemindHard, "remind-hard", 0, "Hard reminder threshold in seconds (0 = none)")
}

var sendCmd = &cobra.Command{
	Use:   "send <session> <text>...",
	Short: "Queue a message for a session",
	Long: `Queue a message for delivery to a session. Sequential messages wait for
the agent to finish its current turn; urgent messages interrupt it.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := sendMode
		switch {
		case sendUrgent && sendImportant:
			return fmt.Errorf("--urgent and --important are mutually exclusive")
		case sendUrgent:
			mode = "urgent"
		case sendImportant:
			mode = "important"
		}

		text := strings.Join(args[1:], " ")
		if mode == "important" {
			text = "[IMPORTANT] " + text
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		var out struct {
			MessageID string `json:"message_id"`
			Queued    bool   `json:"queued"`
			Error     string `json:"error"`
		}
		err = c.do("POST", "/sessions/"+args[0]+"/input", map[string]any{
			"text":                text,
			"mode":                mode,
			"sender_id":           sendSender,
			"parent_id":           sendParent,
			"notify":              sendNotify,
			"remind_soft_seconds": sendRemindSoft,
			"remind_hard_seconds": sendRemindHard,
		}, &out)
		if err != nil {
			return err
		}
		if out.Error != "" {
			// Urgent delivery failed but the message is queued for the next
			// idle; worth telling the operator both halves.
			fmt.Printf("queued (delivery pending): %s\n", out.Error)
			return nil
		}
		fmt.Println("queued")
		return nil
	},
}
