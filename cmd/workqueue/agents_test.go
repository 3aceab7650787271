package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/handoff"
	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/telemetry"
)

func listAgents(t *testing.T, home string) map[string]persistence.Agent {
	t.Helper()
	out, err := execute(t, home, "agents", "list")
	if err != nil {
		t.Fatalf("agents list: %v", err)
	}
	var agents []persistence.Agent
	if err := json.Unmarshal([]byte(out), &agents); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	byID := map[string]persistence.Agent{}
	for _, a := range agents {
		byID[a.ID] = a
	}
	return byID
}

func TestAgentsCommands(t *testing.T) {
	home := t.TempDir()

	if _, err := execute(t, home, "agents", "add", "dev-1", "--role", "backend", "--name", "Dev One",
		"--primary", "backend", "--max-active", "2"); err != nil {
		t.Fatalf("agents add: %v", err)
	}
	agents := listAgents(t, home)
	if a, ok := agents["dev-1"]; !ok || !a.Active || a.RoleKey != "backend" {
		t.Fatalf("dev-1 = %+v", agents["dev-1"])
	}

	if _, err := execute(t, home, "agents", "deactivate", "dev-1"); err != nil {
		t.Fatalf("agents deactivate: %v", err)
	}
	if listAgents(t, home)["dev-1"].Active {
		t.Fatal("dev-1 still active after deactivate")
	}

	// Re-adding keeps the deactivation.
	if _, err := execute(t, home, "agents", "add", "dev-1", "--role", "backend"); err != nil {
		t.Fatalf("agents re-add: %v", err)
	}
	if listAgents(t, home)["dev-1"].Active {
		t.Fatal("re-provisioning reactivated dev-1")
	}

	if _, err := execute(t, home, "agents", "activate", "dev-1"); err != nil {
		t.Fatalf("agents activate: %v", err)
	}
	if !listAgents(t, home)["dev-1"].Active {
		t.Fatal("dev-1 inactive after activate")
	}
}

func TestAgentsAdd_RequiresRole(t *testing.T) {
	if _, err := execute(t, t.TempDir(), "agents", "add", "dev-1"); err == nil {
		t.Fatal("expected an error without --role")
	}
}

func TestSweepCommand_ReleasesExpiredLease(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-time.Hour)
	store, err := persistence.Open(cfg.Store.DBPath, nil, persistence.WithClock(func() time.Time { return past }))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.UpsertAgent(ctx, persistence.Agent{ID: "qa-1", RoleKey: "qa"}); err != nil {
		t.Fatal(err)
	}
	var queue *persistence.Queue
	if err := store.WithTx(ctx, func(tx *persistence.Tx) error {
		var err error
		queue, err = tx.ResolveQueue(ctx, "qa", persistence.StatusQueued)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := lease.NewManager(lease.Config{Store: store}).Acquire(ctx, persistence.ScopeQueue, queue.ID, "qa-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	store.Close()

	out, err := execute(t, home, "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var res struct {
		Scanned  int `json:"scanned"`
		Released int `json:"released"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Scanned != 1 || res.Released != 1 {
		t.Fatalf("sweep result = %+v", res)
	}
}

func TestReloader_AppliesEdits(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "agents:\n  - id: qa-1\n    role: qa\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	logger, closer, err := telemetry.NewLogger(home, "error", true)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	ctx := context.Background()
	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := seedAgents(ctx, cfg, st.agents, st.prefs); err != nil {
		t.Fatal(err)
	}

	r := &reloader{
		home:        home,
		fingerprint: cfg.Fingerprint(),
		handoffPath: cfg.HandoffPath(),
		router:      st.router,
		agents:      st.agents,
		prefs:       st.prefs,
		logger:      logger,
	}

	rules := "rules:\n  - segment: backend\n    status: completed\n    next: qa\n"
	if err := os.WriteFile(filepath.Join(home, config.HandoffFileName), []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}
	r.apply(ctx, config.ReloadEvent{Kind: config.KindHandoff, Path: cfg.HandoffPath()})
	if got := countRules(t, st.router); got != 1 {
		t.Fatalf("rules after handoff edit = %d, want 1", got)
	}

	writeConfig(t, home, "agents:\n  - id: qa-1\n    role: qa\n  - id: qa-2\n    role: qa\n")
	r.apply(ctx, config.ReloadEvent{Kind: config.KindConfig, Path: config.ConfigPath(home)})
	if _, err := st.store.GetAgent(ctx, "qa-2"); err != nil {
		t.Fatalf("qa-2 not provisioned on reload: %v", err)
	}

	writeConfig(t, home, "agents:\n  - role: qa\n")
	r.apply(ctx, config.ReloadEvent{Kind: config.KindConfig, Path: config.ConfigPath(home)})
	if r.fingerprint == "" {
		t.Fatal("fingerprint cleared by a rejected reload")
	}
}

func countRules(t *testing.T, r *handoff.Router) int {
	t.Helper()
	rules, err := r.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return len(rules)
}
