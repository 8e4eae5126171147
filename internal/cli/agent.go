package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewmesh/crewmesh/pkg/models"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	cmd.AddCommand(newAgentRegisterCmd())
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentStatusCmd())
	cmd.AddCommand(newAgentWorkloadCmd())
	cmd.AddCommand(newAgentInboxCmd())
	cmd.AddCommand(newAgentAckCmd())
	return cmd
}

func newAgentRegisterCmd() *cobra.Command {
	var (
		name         string
		roleLevel    int
		capabilities []string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent (role level 1=strategic .. 4=implementation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			a, err := c.RegisterAgent(cmd.Context(), name, roleLevel, capabilities)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered %q at role level %d\n", a.Name, a.RoleLevel)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	cmd.Flags().IntVar(&roleLevel, "role-level", models.RoleImplementation, "Role level (1-4)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Capability tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			for _, a := range agents {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-20s level=%d status=%-10s capacity=%3d current=%s\n",
					a.Name, a.RoleLevel, a.Status, a.Capacity, a.CurrentTask)
			}
			return nil
		},
	}
	return cmd
}

func newAgentStatusCmd() *cobra.Command {
	var (
		name        string
		status      string
		capacity    int
		currentTask string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Set an agent's status (available, busy, blocked, offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || status == "" {
				return fmt.Errorf("--name and --status are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			a, err := c.SetAgentStatus(cmd.Context(), name, models.AgentStatus(status), capacity, currentTask)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Agent %q is now %s\n", a.Name, a.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	cmd.Flags().StringVar(&status, "status", "", "New status")
	cmd.Flags().IntVar(&capacity, "capacity", 100, "Remaining capacity (0-100)")
	cmd.Flags().StringVar(&currentTask, "task", "", "Current task id (required for busy)")
	return cmd
}

func newAgentWorkloadCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Show an agent's active task count and capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			wl, err := c.Workload(cmd.Context(), name)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d active task(s), capacity %d, status %s\n",
				wl.Agent, wl.TaskCount, wl.Capacity, wl.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAgentInboxCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show an agent's pending messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			msgs, err := c.Inbox(cmd.Context(), name)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  [%s] from %s: %s\n",
					m.ID, m.Type, m.From, m.Payload.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAgentAckCmd() *cobra.Command {
	var (
		name      string
		messageID string
	)

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a delivered message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || messageID == "" {
				return fmt.Errorf("--name and --message are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := c.Ack(cmd.Context(), name, messageID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Acked %s\n", messageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	cmd.Flags().StringVar(&messageID, "message", "", "Message id")
	return cmd
}
