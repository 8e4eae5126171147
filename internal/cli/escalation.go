package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEscalationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalation",
		Short: "Manage escalations",
	}
	cmd.AddCommand(newEscalationListCmd())
	cmd.AddCommand(newEscalationResolveCmd())
	cmd.AddCommand(newEscalationAckCmd())
	return cmd
}

func newEscalationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			escs, err := c.ListEscalations(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range escs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s %-12s task=%s %s -> %s: %s\n",
					e.ID, e.Severity, e.Status, e.TaskID, e.FromAgent, e.TargetAgent, e.Reason)
			}
			return nil
		},
	}
	return cmd
}

func newEscalationResolveCmd() *cobra.Command {
	var (
		id         string
		resolution string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an escalation (unblocks the task if nothing else holds it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if _, err := c.ResolveEscalation(cmd.Context(), id, resolution); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Escalation id")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Resolution note")
	return cmd
}

func newEscalationAckCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge an open escalation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if _, err := c.AcknowledgeEscalation(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Escalation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
