package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/otel"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = otel.Version

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	home string
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "workqueue",
		Short: "Shared task queue for agents",
		Long: `workqueue hands tasks to agents one at a time, guarantees that no two
agents hold the same task, and routes finished work to the next segment.

Data and configuration live in $WORKQUEUE_HOME (default ~/.workqueue).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.home, "home", "", "workqueue home directory (overrides WORKQUEUE_HOME)")

	cmd.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newDoctorCmd(opts),
		newSweepCmd(opts),
		newAgentsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "workqueue %s (%s/%s, %s)\n",
				Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

// loadConfig reads config from the --home flag when given, else from
// WORKQUEUE_HOME.
func (o *rootOptions) loadConfig() (config.Config, error) {
	if home := strings.TrimSpace(o.home); home != "" {
		return config.LoadFrom(home)
	}
	return config.Load()
}

// startupError records a fatal startup step with its reason code and returns
// it for cobra to report.
func startupError(ctx context.Context, logger *slog.Logger, reasonCode string, err error) error {
	audit.Record(ctx, "fatal", "runtime.startup", reasonCode, err.Error())
	if logger != nil {
		logger.ErrorContext(ctx, "startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, err.Error())
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}
