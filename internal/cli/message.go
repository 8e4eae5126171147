package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewmesh/crewmesh/pkg/models"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send messages between agents",
	}
	cmd.AddCommand(newMessageSendCmd())
	cmd.AddCommand(newMessageBroadcastCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		from     string
		to       string
		typ      string
		content  string
		priority string
		taskID   string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a direct message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" || content == "" {
				return fmt.Errorf("--from, --to, and --content are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			m, err := c.SendMessage(cmd.Context(), models.Message{
				From:     from,
				To:       to,
				Type:     models.MessageType(typ),
				Priority: models.Priority(priority),
				Payload:  models.Payload{Content: content},
				TaskID:   taskID,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", m.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender agent")
	cmd.Flags().StringVar(&to, "to", "", "Recipient agent")
	cmd.Flags().StringVar(&typ, "type", string(models.MessageNotification), "Message type")
	cmd.Flags().StringVar(&content, "content", "", "Message content")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityMedium), "Priority")
	cmd.Flags().StringVar(&taskID, "task", "", "Related task id")
	return cmd
}

func newMessageBroadcastCmd() *cobra.Command {
	var (
		from    string
		typ     string
		content string
	)

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Broadcast a message to every registered agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || content == "" {
				return fmt.Errorf("--from and --content are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.Broadcast(cmd.Context(), models.Message{
				From:    from,
				Type:    models.MessageType(typ),
				Payload: models.Payload{Content: content},
			})
			if err != nil {
				return err
			}
			for name, outcome := range res.Recipients {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", name, outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender agent")
	cmd.Flags().StringVar(&typ, "type", string(models.MessageNotification), "Message type")
	cmd.Flags().StringVar(&content, "content", "", "Message content")
	return cmd
}
