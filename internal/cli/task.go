package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewmesh/crewmesh/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskAssignCmd())
	cmd.AddCommand(newTaskProgressCmd())
	cmd.AddCommand(newTaskHandoffCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskFailCmd())
	cmd.AddCommand(newTaskReopenCmd())
	cmd.AddCommand(newTaskReleaseCmd())
	cmd.AddCommand(newTaskEscalateCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		title        string
		description  string
		createdBy    string
		priority     string
		dependencies []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in pending status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" || createdBy == "" {
				return fmt.Errorf("--title and --by are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			t, err := c.CreateTask(cmd.Context(), title, description, createdBy, models.Priority(priority), dependencies)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringVar(&createdBy, "by", "", "Creating agent name")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityMedium), "Priority (low, medium, high, critical)")
	cmd.Flags().StringSliceVar(&dependencies, "depends-on", nil, "Prerequisite task id (repeatable)")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			tasks, err := c.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range tasks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %3d%%  %-20s %s\n",
					t.ID, t.Status, t.Progress, t.AssignedAgent, t.Title)
			}
			return nil
		},
	}
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			t, err := c.GetTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Task:     %s (v%d)\n", t.ID, t.Version)
			_, _ = fmt.Fprintf(out, "Title:    %s\n", t.Title)
			_, _ = fmt.Fprintf(out, "Status:   %s (%d%%)\n", t.Status, t.Progress)
			_, _ = fmt.Fprintf(out, "Owner:    %s\n", t.AssignedAgent)
			_, _ = fmt.Fprintf(out, "Priority: %s\n", t.Priority)
			if len(t.Dependencies) > 0 {
				_, _ = fmt.Fprintf(out, "Deps:     %v\n", t.Dependencies)
			}
			if t.Result != "" {
				_, _ = fmt.Fprintf(out, "Result:   %s\n", t.Result)
			}
			if t.Error != "" {
				_, _ = fmt.Fprintf(out, "Error:    %s\n", t.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskAssignCmd() *cobra.Command {
	var (
		taskID string
		agent  string
	)

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a pending task to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" || agent == "" {
				return fmt.Errorf("--id and --agent are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			t, err := c.AssignTask(cmd.Context(), taskID, agent)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s to %q\n", t.ID, t.AssignedAgent)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent name")
	return cmd
}

func newTaskProgressCmd() *cobra.Command {
	var (
		taskID   string
		progress int
		status   string
	)

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Report task progress (0-100) and optionally a status change",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			t, err := c.UpdateProgress(cmd.Context(), taskID, progress, models.TaskStatus(status))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s now %s at %d%%\n", t.ID, t.Status, t.Progress)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	cmd.Flags().IntVar(&progress, "progress", 0, "Progress percentage")
	cmd.Flags().StringVar(&status, "status", "", "Optional status (in_progress, blocked, ...)")
	return cmd
}

func newTaskHandoffCmd() *cobra.Command {
	var (
		taskID string
		from   string
		to     string
		note   string
	)

	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Transfer task ownership to another agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" || from == "" || to == "" {
				return fmt.Errorf("--id, --from, and --to are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			handoffContext := map[string]string{}
			if note != "" {
				handoffContext["note"] = note
			}
			t, err := c.Handoff(cmd.Context(), taskID, from, to, handoffContext)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Handed %s to %q\n", t.ID, t.AssignedAgent)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	cmd.Flags().StringVar(&from, "from", "", "Current owner")
	cmd.Flags().StringVar(&to, "to", "", "Receiving agent")
	cmd.Flags().StringVar(&note, "note", "", "Context note for the receiving agent")
	return cmd
}

func newTaskCompleteCmd() *cobra.Command {
	var (
		taskID string
		result string
	)

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark a task completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if _, err := c.CompleteTask(cmd.Context(), taskID, result); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s completed\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	cmd.Flags().StringVar(&result, "result", "", "Result summary")
	return cmd
}

func newTaskFailCmd() *cobra.Command {
	var (
		taskID string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "fail",
		Short: "Mark a task failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if _, err := c.FailTask(cmd.Context(), taskID, reason); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s failed\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure summary")
	return cmd
}

func newTaskReopenCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "reopen",
		Short: "Return a failed task to pending for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if _, err := c.ReopenTask(cmd.Context(), taskID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reopened task %s\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskReleaseCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Return an assigned (not yet started) task to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if _, err := c.ReleaseTask(cmd.Context(), taskID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released task %s\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newTaskEscalateCmd() *cobra.Command {
	var (
		taskID   string
		from     string
		reason   string
		severity string
	)

	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Raise an escalation for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" || from == "" || reason == "" {
				return fmt.Errorf("--id, --from, and --reason are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			esc, err := c.EscalateTask(cmd.Context(), taskID, from, reason, models.Severity(severity))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Escalation %s -> %s\n", esc.ID, esc.TargetAgent)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	cmd.Flags().StringVar(&from, "from", "", "Escalating agent")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task is stuck")
	cmd.Flags().StringVar(&severity, "severity", string(models.SeverityMedium), "Severity (low, medium, high, critical)")
	return cmd
}
