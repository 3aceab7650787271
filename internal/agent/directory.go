// Package agent resolves and provisions the agents that claim and submit work.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/persistence"
)

// Directory is the agent registry backed by the store. It holds no cache so
// a deactivation is visible to the next request.
type Directory struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewDirectory(store *persistence.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, logger: logger}
}

// Resolve returns the active agent with id agentID. Unknown and inactive
// agents both yield ErrAgentInactive.
func (d *Directory) Resolve(ctx context.Context, agentID string) (*persistence.Agent, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("resolve agent: empty id: %w", persistence.ErrAgentInactive)
	}
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			audit.Record(ctx, audit.DecisionDeny, "agent.resolve", "unknown agent", agentID)
			return nil, fmt.Errorf("resolve agent %s: %w", agentID, persistence.ErrAgentInactive)
		}
		return nil, err
	}
	if !a.Active {
		audit.Record(ctx, audit.DecisionDeny, "agent.resolve", "agent inactive", agentID)
		return nil, fmt.Errorf("resolve agent %s: %w", agentID, persistence.ErrAgentInactive)
	}
	return a, nil
}

// ResolveByRole lists the active agents holding role.
func (d *Directory) ResolveByRole(ctx context.Context, role string) ([]persistence.Agent, error) {
	return d.store.ActiveAgentsByRole(ctx, role)
}

// Provision creates the agent or refreshes its descriptive fields. A
// previously deactivated agent stays inactive.
func (d *Directory) Provision(ctx context.Context, a persistence.Agent) (*persistence.Agent, error) {
	if err := d.store.UpsertAgent(ctx, a); err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "agent: provisioned", "agent_id", a.ID, "role", a.RoleKey)
	return d.store.GetAgent(ctx, strings.TrimSpace(a.ID))
}

func (d *Directory) Deactivate(ctx context.Context, agentID string) error {
	if err := d.store.SetAgentActive(ctx, agentID, false); err != nil {
		return err
	}
	audit.Record(ctx, audit.DecisionAllow, "agent.deactivate", "agent deactivated", agentID)
	d.logger.InfoContext(ctx, "agent: deactivated", "agent_id", agentID)
	return nil
}

func (d *Directory) Activate(ctx context.Context, agentID string) error {
	if err := d.store.SetAgentActive(ctx, agentID, true); err != nil {
		return err
	}
	audit.Record(ctx, audit.DecisionAllow, "agent.activate", "agent activated", agentID)
	return nil
}

func (d *Directory) List(ctx context.Context) ([]persistence.Agent, error) {
	return d.store.ListAgents(ctx)
}
