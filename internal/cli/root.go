package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/crewmesh/crewmesh/internal/config"
	"github.com/crewmesh/crewmesh/pkg/client"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "crewmesh",
		Short:        "crewmesh — local coordination kernel for agent teams",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override crewmesh home directory (default: ~/.crewmesh, env: CREWMESH_HOME)")
	cmd.PersistentFlags().String("addr", "", "Server base URL (default: from config.toml listen_addr)")
	cmd.PersistentFlags().String("api-key", "", "API key (default: from config.toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newMessageCmd())
	cmd.AddCommand(newPhaseCmd())
	cmd.AddCommand(newEscalationCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

// apiClient builds a client from the --addr/--api-key flags, falling back
// to config.toml in the resolved home directory.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	apiKey, _ := cmd.Flags().GetString("api-key")
	if addr == "" || apiKey == "" {
		home := config.MustHomeFrom(cmd.Context())
		cfg, err := config.Load(home)
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = "http://" + cfg.ListenAddr
		}
		if apiKey == "" {
			apiKey = cfg.APIKey
		}
	}
	return client.New(addr, apiKey), nil
}
