package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/workqueue/internal/doctor"
	"github.com/spf13/cobra"
)

var errChecksFailed = errors.New("one or more checks failed")

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			cfg, err := opts.loadConfig()
			if err != nil && !cfg.NeedsGenesis {
				// Keep going so the Config check reports the cause.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if jsonOut {
				if err := writeJSON(out, diag); err != nil {
					return fmt.Errorf("encode diagnosis: %w", err)
				}
			} else {
				fmt.Fprintf(out, "workqueue doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					fmt.Fprintf(out, "[%s] %-16s %s\n", res.Status, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "       %s\n", res.Detail)
					}
				}
			}
			if diag.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the diagnosis as JSON")
	return cmd
}
