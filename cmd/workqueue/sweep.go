package main

import (
	"fmt"

	"github.com/basket/workqueue/internal/telemetry"
	"github.com/spf13/cobra"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired leases once and exit",
		Long: `Run a single reclamation pass against the database: every expired lease
is released and its task returned to the queue. Safe to run while the
daemon is serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer closer.Close()

			st, err := openStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.reclaim.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			out := cmd.OutOrStdout()
			if !isTerminal(out) {
				return writeJSON(out, res)
			}
			fmt.Fprintf(out, "scanned %d, reclaimed %d, released %d, failed %d\n",
				res.Scanned, res.Reclaimed, res.Released, res.Failed)
			return nil
		},
	}
}
