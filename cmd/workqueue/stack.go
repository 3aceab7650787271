package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/workqueue/internal/agent"
	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/bus"
	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/handoff"
	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/otel"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/preference"
	"github.com/basket/workqueue/internal/reclaim"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/basket/workqueue/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// stack holds the components shared by serve and the one-shot commands.
type stack struct {
	cfg      config.Config
	logger   *slog.Logger
	provider *otel.Provider
	metrics  *otel.Metrics
	tracer   trace.Tracer
	bus      *bus.Bus
	store    *persistence.Store
	enums    *refdata.Resolver
	prefs    *preference.Service
	agents   *agent.Directory
	leases   *lease.Manager
	router   *handoff.Router
	reclaim  *reclaim.Job
}

func openStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stack, error) {
	provider, err := otel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, startupError(ctx, logger, "E_OTEL_INIT", err)
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, startupError(ctx, logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.Store.DBPath, eventBus)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, startupError(ctx, logger, "E_STORE_OPEN", err)
	}
	audit.SetDB(store.DB())
	logger.InfoContext(ctx, "startup phase", "phase", "store_opened", "path", cfg.Store.DBPath)

	s := &stack{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		metrics:  metrics,
		tracer:   provider.Tracer,
		bus:      eventBus,
		store:    store,
	}
	s.enums = refdata.NewResolver(store)
	s.prefs = preference.NewService(store, s.enums, cfg, telemetry.Component(logger, "preference"))
	s.agents = agent.NewDirectory(store, telemetry.Component(logger, "agent"))
	s.leases = lease.NewManager(lease.Config{
		Store:         store,
		Logger:        telemetry.Component(logger, "lease"),
		Metrics:       metrics,
		ReclaimStatus: cfg.Lease.ReclaimStatus,
	})
	s.router = handoff.NewRouter(store, eventBus, telemetry.Component(logger, "handoff"))
	s.reclaim, err = reclaim.NewJob(reclaim.Config{
		Store:    store,
		Leases:   s.leases,
		Logger:   telemetry.Component(logger, "reclaim"),
		Metrics:  metrics,
		Tracer:   provider.Tracer,
		Schedule: cfg.Lease.ReclaimSchedule,
		Batch:    cfg.Lease.ReclaimBatch,
	})
	if err != nil {
		s.Close()
		return nil, startupError(ctx, logger, "E_RECLAIM_SCHEDULE", err)
	}
	return s, nil
}

func (s *stack) Close() {
	audit.SetDB(nil)
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
	if err := s.provider.Shutdown(context.Background()); err != nil {
		s.logger.Warn("otel shutdown failed", "error", err)
	}
}

// seedAgents provisions the agents listed in config. A seed preference is
// written only when the agent has none yet, so edits made over the API
// survive a restart.
func seedAgents(ctx context.Context, cfg config.Config, dir *agent.Directory, prefs *preference.Service) error {
	for _, seed := range cfg.Agents {
		if _, err := dir.Provision(ctx, persistence.Agent{
			ID:          seed.ID,
			RoleKey:     seed.Role,
			DisplayName: seed.DisplayName,
			Contact:     seed.Contact,
		}); err != nil {
			return fmt.Errorf("seed agent %s: %w", seed.ID, err)
		}
		if seed.Preference == nil {
			continue
		}
		if err := prefs.SeedAgent(ctx, seed.ID, preference.FromConfig(*seed.Preference)); err != nil {
			return fmt.Errorf("seed preference %s: %w", seed.ID, err)
		}
	}
	return nil
}
