package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/workqueue/internal/agent"
	"github.com/basket/workqueue/internal/artifact"
	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/claim"
	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/events"
	"github.com/basket/workqueue/internal/gateway"
	"github.com/basket/workqueue/internal/handoff"
	"github.com/basket/workqueue/internal/ingest"
	"github.com/basket/workqueue/internal/preference"
	"github.com/basket/workqueue/internal/submission"
	"github.com/basket/workqueue/internal/telemetry"
	"github.com/basket/workqueue/internal/validation"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue daemon",
		Long: `Run the HTTP gateway, the lease reclamation job, the config watcher and,
when nats.url is set, the event bridge. A first run writes a starter
config.yaml and handoff.yaml into the home directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the log file only")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, quiet bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return startupError(ctx, nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if _, err := config.WriteStarter(cfg.HomeDir); err != nil {
			return startupError(ctx, nil, "E_CONFIG_WRITE", err)
		}
		if cfg, err = config.LoadFrom(cfg.HomeDir); err != nil {
			return startupError(ctx, nil, "E_CONFIG_RELOAD", err)
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return startupError(ctx, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return startupError(ctx, nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seedAgents(ctx, cfg, st.agents, st.prefs); err != nil {
		return startupError(ctx, logger, "E_AGENT_SEED", err)
	}
	rules, err := st.router.Sync(ctx, cfg.HandoffPath())
	if err != nil {
		return startupError(ctx, logger, "E_HANDOFF_LOAD", err)
	}
	logger.Info("startup phase", "phase", "handoff_synced", "rules", rules)
	registry, err := validation.FromConfig(cfg)
	if err != nil {
		return startupError(ctx, logger, "E_VALIDATORS", err)
	}
	files, err := artifact.NewStore(cfg.Store.ArtifactDir)
	if err != nil {
		return startupError(ctx, logger, "E_ARTIFACT_DIR", err)
	}

	gw := gateway.New(gateway.Config{
		Store: st.store,
		Bus:   st.bus,
		Claims: claim.NewEngine(claim.Config{
			Store:         st.store,
			Preferences:   st.prefs,
			Enums:         st.enums,
			Leases:        st.leases,
			Router:        st.router,
			Logger:        telemetry.Component(logger, "claim"),
			Metrics:       st.metrics,
			Tracer:        st.tracer,
			RetryAttempts: cfg.Claim.RetryAttempts,
			RetryBase:     time.Duration(cfg.Claim.RetryBaseMillis) * time.Millisecond,
		}),
		Submissions: submission.NewService(submission.Config{
			Store:     st.store,
			Enums:     st.enums,
			Registry:  registry,
			Router:    st.router,
			Artifacts: files,
			Logger:    telemetry.Component(logger, "submission"),
			Metrics:   st.metrics,
			Tracer:    st.tracer,
		}),
		Ingest:             ingest.NewService(st.store, st.enums, cfg, telemetry.Component(logger, "ingest"), st.metrics, st.tracer),
		Leases:             st.leases,
		Preferences:        st.prefs,
		Artifacts:          files,
		Logger:             telemetry.Component(logger, "gateway"),
		Metrics:            st.metrics,
		Tracer:             st.tracer,
		AllowOrigins:       cfg.Server.AllowOrigins,
		ConfigFingerprint:  cfg.Fingerprint(),
		ClaimRatePerSecond: cfg.Server.ClaimRatePerSecond,
		ClaimBurst:         cfg.Server.ClaimBurst,
		MaxUploadBytes:     int64(cfg.Server.MaxUploadMB) << 20,
		DefaultLeaseTTL:    time.Duration(cfg.Lease.DefaultTTLSeconds) * time.Second,
	})

	if host, _, err := net.SplitHostPort(cfg.Server.BindAddr); err == nil {
		loopback := host == "127.0.0.1" || host == "localhost" || host == "::1"
		if !loopback && len(cfg.Server.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; browser clients on other origins cannot open /ws",
				"bind_addr", cfg.Server.BindAddr)
		}
	}
	var bridge *events.Bridge
	if cfg.NATS.Enabled() {
		nc, err := events.Connect(cfg.NATS.URL, telemetry.Component(logger, "events"))
		if err != nil {
			return startupError(ctx, logger, "E_NATS_CONNECT", err)
		}
		defer nc.Close()
		bridge = events.NewBridge(st.bus, nc, cfg.NATS.SubjectPrefix, telemetry.Component(logger, "events"), st.tracer)
	}

	ln, err := net.Listen("tcp", cfg.Server.BindAddr)
	if err != nil {
		return startupError(ctx, logger, "E_LISTENER_BIND", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked /ws connections are not closed by Shutdown; tying request
		// contexts to the group ends their streams.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	gw.Limiter().StartEviction(gctx, time.Minute, 10*time.Minute)

	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drain := time.Duration(cfg.Server.DrainTimeoutSeconds) * time.Second
		logger.Info("gateway draining", "timeout", drain.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway drain incomplete", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return st.reclaim.Run(gctx)
	})

	watcher := config.NewWatcher(cfg, telemetry.Component(logger, "config"))
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		r := &reloader{
			home:        cfg.HomeDir,
			fingerprint: cfg.Fingerprint(),
			handoffPath: cfg.HandoffPath(),
			router:      st.router,
			agents:      st.agents,
			prefs:       st.prefs,
			logger:      telemetry.Component(logger, "config"),
		}
		g.Go(func() error {
			r.run(gctx, watcher.Events())
			return nil
		})
	}

	if bridge != nil {
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}

	logger.Info("startup phase", "phase", "ready")
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// reloader applies config.yaml and handoff.yaml edits while serving. Agent
// seeds and handoff rules take effect at once; server, store and lease
// settings need a restart.
type reloader struct {
	home        string
	fingerprint string
	handoffPath string
	router      *handoff.Router
	agents      *agent.Directory
	prefs       *preference.Service
	logger      *slog.Logger
}

func (r *reloader) run(ctx context.Context, evs <-chan config.ReloadEvent) {
	for ev := range evs {
		r.apply(ctx, ev)
	}
}

func (r *reloader) apply(ctx context.Context, ev config.ReloadEvent) {
	switch ev.Kind {
	case config.KindHandoff:
		r.syncHandoff(ctx)
	case config.KindConfig:
		next, err := config.LoadFrom(r.home)
		if err != nil {
			r.logger.WarnContext(ctx, "config: reload rejected", "path", ev.Path, "error", err)
			return
		}
		fp := next.Fingerprint()
		if fp == r.fingerprint {
			return
		}
		r.fingerprint = fp
		if err := seedAgents(ctx, next, r.agents, r.prefs); err != nil {
			r.logger.WarnContext(ctx, "config: agent seed failed", "error", err)
		}
		r.handoffPath = next.HandoffPath()
		r.syncHandoff(ctx)
		r.logger.InfoContext(ctx, "config: reloaded", "fingerprint", fp)
	}
}

func (r *reloader) syncHandoff(ctx context.Context) {
	n, err := r.router.Sync(ctx, r.handoffPath)
	if err != nil {
		r.logger.WarnContext(ctx, "config: handoff sync failed", "path", r.handoffPath, "error", err)
		return
	}
	r.logger.InfoContext(ctx, "config: handoff rules synced", "rules", n)
}
