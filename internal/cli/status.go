package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewmesh/crewmesh/pkg/models"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show kernel status: agents, tasks, open escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if _, err := c.Health(ctx); err != nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "crewmesh not running")
				return nil
			}
			agents, err := c.ListAgents(ctx)
			if err != nil {
				return err
			}
			tasks, err := c.ListTasks(ctx)
			if err != nil {
				return err
			}
			escs, err := c.ListEscalations(ctx)
			if err != nil {
				return err
			}

			online := 0
			for _, a := range agents {
				if a.Status != models.AgentOffline {
					online++
				}
			}
			counts := make(map[models.TaskStatus]int)
			for _, t := range tasks {
				counts[t.Status]++
			}
			open := 0
			for _, e := range escs {
				if e.Status == models.EscalationOpen || e.Status == models.EscalationAcknowledged {
					open++
				}
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Agents: %d registered, %d online\n", len(agents), online)
			_, _ = fmt.Fprintf(out, "Tasks:  %d total (pending %d, assigned %d, in_progress %d, blocked %d, completed %d, failed %d)\n",
				len(tasks), counts[models.TaskPending], counts[models.TaskAssigned], counts[models.TaskInProgress],
				counts[models.TaskBlocked], counts[models.TaskCompleted], counts[models.TaskFailed])
			_, _ = fmt.Fprintf(out, "Escalations: %d open\n", open)
			return nil
		},
	}
	return cmd
}
