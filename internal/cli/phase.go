package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPhaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Inspect and drive the workflow gate",
	}
	cmd.AddCommand(newPhaseListCmd())
	cmd.AddCommand(newPhaseEnterCmd())
	cmd.AddCommand(newPhaseConfirmCmd())
	return cmd
}

func newPhaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow phases and their artifact state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			states, err := c.Phases(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range states {
				mark := " "
				if s.Entered {
					mark = "*"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %-14s confirmed=[%s] missing=[%s]\n",
					mark, s.Phase.Name, strings.Join(s.Confirmed, ","), strings.Join(s.Missing, ","))
			}
			return nil
		},
	}
	return cmd
}

func newPhaseEnterCmd() *cobra.Command {
	var (
		phase string
		agent string
	)

	cmd := &cobra.Command{
		Use:   "enter",
		Short: "Request entry into a workflow phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phase == "" || agent == "" {
				return fmt.Errorf("--name and --agent are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			p, err := c.RequestPhaseEntry(cmd.Context(), phase, agent)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Entry approved: %s\n", p.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&phase, "name", "", "Phase name")
	cmd.Flags().StringVar(&agent, "agent", "", "Requesting agent")
	return cmd
}

func newPhaseConfirmCmd() *cobra.Command {
	var (
		phase    string
		artifact string
	)

	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm a required artifact of a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phase == "" || artifact == "" {
				return fmt.Errorf("--name and --artifact are required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := c.ConfirmArtifact(cmd.Context(), phase, artifact); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Confirmed %s/%s\n", phase, artifact)
			return nil
		},
	}
	cmd.Flags().StringVar(&phase, "name", "", "Phase name")
	cmd.Flags().StringVar(&artifact, "artifact", "", "Artifact type")
	return cmd
}
