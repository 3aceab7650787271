package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/basket/workqueue/internal/agent"
	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/preference"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/spf13/cobra"
)

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Provision and list agents",
	}
	cmd.AddCommand(
		newAgentsAddCmd(opts),
		newAgentsDeactivateCmd(opts),
		newAgentsActivateCmd(opts),
		newAgentsListCmd(opts),
	)
	return cmd
}

// withDirectory opens the store just long enough to run fn.
func withDirectory(opts *rootOptions, fn func(*agent.Directory, *preference.Service) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.Store.DBPath, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	prefs := preference.NewService(store, refdata.NewResolver(store), cfg, nil)
	return fn(agent.NewDirectory(store, nil), prefs)
}

func newAgentsAddCmd(opts *rootOptions) *cobra.Command {
	var (
		role, name, contact string
		primary, fallback   []string
		maxActive, maxMins  int
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create an agent or refresh its details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(opts, func(dir *agent.Directory, prefs *preference.Service) error {
				ctx := cmd.Context()
				a, err := dir.Provision(ctx, persistence.Agent{
					ID:          args[0],
					RoleKey:     role,
					DisplayName: name,
					Contact:     contact,
				})
				if err != nil {
					return err
				}
				if len(primary) > 0 {
					p := preference.FromConfig(config.PreferenceConfig{
						PrimarySegments:      primary,
						FallbackSegments:     fallback,
						MaxActiveTasks:       maxActive,
						MaxInProgressMinutes: maxMins,
					})
					if err := prefs.SeedAgent(ctx, a.ID, p); err != nil {
						return fmt.Errorf("seed preference: %w", err)
					}
				}
				state := "active"
				if !a.Active {
					state = "inactive"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "agent %s (%s) %s\n", a.ID, a.RoleKey, state)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role key (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&contact, "contact", "", "contact address")
	cmd.Flags().StringSliceVar(&primary, "primary", nil, "primary segments; sets an initial preference")
	cmd.Flags().StringSliceVar(&fallback, "fallback", nil, "fallback segments")
	cmd.Flags().IntVar(&maxActive, "max-active", 0, "maximum concurrently active tasks (0 = unlimited)")
	cmd.Flags().IntVar(&maxMins, "max-minutes", 0, "lease length in minutes (0 = default)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newAgentsDeactivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop an agent from claiming or submitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(opts, func(dir *agent.Directory, _ *preference.Service) error {
				if err := dir.Deactivate(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "agent %s deactivated\n", args[0])
				return nil
			})
		},
	}
}

func newAgentsActivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Re-enable a deactivated agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(opts, func(dir *agent.Directory, _ *preference.Service) error {
				if err := dir.Activate(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "agent %s activated\n", args[0])
				return nil
			})
		},
	}
}

func newAgentsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDirectory(opts, func(dir *agent.Directory, _ *preference.Service) error {
				agents, err := dir.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !isTerminal(out) {
					return writeJSON(out, agents)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tROLE\tACTIVE\tNAME")
				for _, a := range agents {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", a.ID, a.RoleKey, a.Active, a.DisplayName)
				}
				return tw.Flush()
			})
		},
	}
}
