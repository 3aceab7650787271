package claim_test

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/workqueue/internal/claim"
	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/handoff"
	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/preference"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/basket/workqueue/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *persistence.Store
	clock  *clock
	engine *claim.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "wq.db"), nil, persistence.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg, err := config.LoadFrom(t.TempDir())
	require.NoError(t, err)
	enums := refdata.NewResolver(store)
	engine := claim.NewEngine(claim.Config{
		Store:       store,
		Preferences: preference.NewService(store, enums, cfg, nil),
		Enums:       enums,
		Leases:      lease.NewManager(lease.Config{Store: store}),
		Router:      handoff.NewRouter(store, nil, nil),
		RetryBase:   time.Millisecond,
	})
	return &fixture{store: store, clock: c, engine: engine}
}

func (f *fixture) agent(t *testing.T, id string, pref persistence.AgentPreference) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertAgent(ctx, persistence.Agent{ID: id, RoleKey: "worker", DisplayName: id}))
	pref.AgentID = id
	_, err := f.store.UpsertPreference(ctx, pref)
	require.NoError(t, err)
}

func (f *fixture) task(t *testing.T, segment, status, ref string, priority int) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	var task *persistence.Task
	require.NoError(t, f.store.WithTx(ctx, func(tx *persistence.Tx) error {
		q, err := tx.ResolveQueue(ctx, segment, status)
		if err != nil {
			return err
		}
		task, err = tx.CreateTask(ctx, persistence.NewTask{
			QueueID: q.ID, ExternalRef: ref, Title: ref, Priority: priority, StatusCode: status,
		})
		return err
	}))
	f.clock.Advance(time.Second)
	return task
}

func prefFor(segments []string, pickup ...string) persistence.AgentPreference {
	return persistence.AgentPreference{
		PrimarySegments:      segments,
		PickupStatuses:       pickup,
		ActiveStatuses:       []string{persistence.StatusInProgress},
		AcceptStatus:         persistence.StatusInProgress,
		ReturnStatus:         persistence.StatusReturned,
		MaxInProgressMinutes: 30,
	}
}

func TestClaim_OrdersByPriorityThenAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "dev-1", prefFor([]string{"backend"}, persistence.StatusQueued))

	a := f.task(t, "backend", persistence.StatusQueued, "A", 5)
	b := f.task(t, "backend", persistence.StatusQueued, "B", 5)
	c := f.task(t, "backend", persistence.StatusQueued, "C", 8)

	var got []string
	for range 3 {
		res, err := f.engine.Claim(ctx, "dev-1", claim.Request{})
		require.NoError(t, err)
		got = append(got, res.Task.ID)
	}
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, got)

	_, err := f.engine.Claim(ctx, "dev-1", claim.Request{})
	assert.ErrorIs(t, err, persistence.ErrNoEligibleTask)
}

func TestClaim_QAScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pref := prefFor([]string{"qa"}, persistence.StatusReady)
	pref.MaxInProgressMinutes = 45
	f.agent(t, "x", pref)

	f.task(t, "qa", persistence.StatusReady, "qa-low", 3)
	high := f.task(t, "qa", persistence.StatusReady, "qa-high", 7)
	now := f.clock.Now()

	res, err := f.engine.Claim(ctx, "x", claim.Request{})
	require.NoError(t, err)
	assert.Equal(t, high.ID, res.Task.ID)
	assert.Equal(t, persistence.StatusInProgress, res.Task.StatusCode)
	assert.Equal(t, "x", res.Task.AssignedTo)
	assert.Equal(t, high.Version+1, res.Task.Version)

	require.NotNil(t, res.Lease)
	assert.Equal(t, persistence.ScopeItem, res.Lease.Scope)
	assert.Equal(t, high.ID, res.Lease.TargetID)
	assert.True(t, res.Lease.ExpiresAt.Equal(now.Add(45*time.Minute)))
	require.NotNil(t, res.Task.LockedUntil)
	assert.True(t, res.Task.LockedUntil.Equal(res.Lease.ExpiresAt))

	assert.Equal(t, []string{"policy:workqueue", "agent-brief:qa", "handoff-rules:qa"}, res.Instructions.Requirements)

	hist, err := f.store.ListHistory(ctx, high.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "x", hist[1].ActorID)
}

func TestClaim_InstructionsCarryTemplatesAndHandoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "dev-1", prefFor([]string{"backend"}, persistence.StatusQueued))
	task := f.task(t, "backend", persistence.StatusQueued, "T-1", 1)
	require.NoError(t, f.store.WithTx(ctx, func(tx *persistence.Tx) error {
		if err := tx.AttachTemplate(ctx, task.ID, persistence.TemplateLink{Code: "backend-brief", Type: persistence.TemplatePrimary}); err != nil {
			return err
		}
		return tx.AttachTemplate(ctx, task.ID, persistence.TemplateLink{Code: "review-list", Type: persistence.TemplateChecklist})
	}))
	require.NoError(t, f.store.ReplaceHandoffRules(ctx, []persistence.HandoffRule{
		{CurrentSegment: "backend", StatusCode: persistence.StatusCompleted, NextSegment: "qa"},
	}))

	res, err := f.engine.Claim(ctx, "dev-1", claim.Request{})
	require.NoError(t, err)
	require.Len(t, res.Instructions.Templates, 1)
	require.Len(t, res.Instructions.Checklists, 1)
	assert.Empty(t, res.Instructions.References)
	require.NotNil(t, res.Instructions.Handoff)
	assert.Equal(t, "qa", res.Instructions.Handoff.NextSegment)
	assert.Contains(t, res.Instructions.Requirements, "template:backend-brief")
}

func TestClaim_SegmentOverrideAndFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pref := prefFor([]string{"backend"}, persistence.StatusQueued)
	pref.FallbackSegments = []string{"qa"}
	f.agent(t, "dev-1", pref)
	qaTask := f.task(t, "qa", persistence.StatusQueued, "Q-1", 1)

	_, err := f.engine.Claim(ctx, "dev-1", claim.Request{Segments: []string{"docs"}})
	assert.ErrorIs(t, err, persistence.ErrNoEligibleTask)

	res, err := f.engine.Claim(ctx, "dev-1", claim.Request{})
	require.NoError(t, err)
	assert.Equal(t, qaTask.ID, res.Task.ID)
}

func TestClaim_PriorityFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "dev-1", prefFor([]string{"backend"}, persistence.StatusQueued))
	f.task(t, "backend", persistence.StatusQueued, "low", 2)

	_, err := f.engine.Claim(ctx, "dev-1", claim.Request{PriorityFloor: 5})
	assert.ErrorIs(t, err, persistence.ErrNoEligibleTask)
}

func TestClaim_ActiveLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pref := prefFor([]string{"backend"}, persistence.StatusQueued)
	pref.MaxActiveTasks = 1
	f.agent(t, "dev-1", pref)
	f.task(t, "backend", persistence.StatusQueued, "one", 1)
	f.task(t, "backend", persistence.StatusQueued, "two", 1)

	_, err := f.engine.Claim(ctx, "dev-1", claim.Request{})
	require.NoError(t, err)
	_, err = f.engine.Claim(ctx, "dev-1", claim.Request{})
	assert.ErrorIs(t, err, persistence.ErrActiveLimit)
}

func TestClaim_UnknownOrInactiveAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "dev-1", prefFor([]string{"backend"}, persistence.StatusQueued))
	f.task(t, "backend", persistence.StatusQueued, "one", 1)

	_, err := f.engine.Claim(ctx, "ghost", claim.Request{})
	assert.ErrorIs(t, err, persistence.ErrAgentInactive)

	require.NoError(t, f.store.SetAgentActive(ctx, "dev-1", false))
	_, err = f.engine.Claim(ctx, "dev-1", claim.Request{})
	assert.ErrorIs(t, err, persistence.ErrAgentInactive)
}

func TestClaim_ConcurrentAgentsGetDistinctTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agents := []string{"a1", "a2", "a3"}
	for _, id := range agents {
		f.agent(t, id, prefFor([]string{"backend"}, persistence.StatusQueued))
	}
	for i := range 3 {
		f.task(t, "backend", persistence.StatusQueued, "task-"+string(rune('a'+i)), 1)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]string{}
	)
	errs := make(chan error, len(agents))
	for _, id := range agents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			res, err := f.engine.Claim(ctx, agentID, claim.Request{})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			ids[res.Task.ID] = agentID
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, ids, 3)

	leases, err := f.store.ListLeases(ctx)
	require.NoError(t, err)
	assert.Len(t, leases, 3)
}

func TestRelease_SecondReleaseFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "dev-1", prefFor([]string{"backend"}, persistence.StatusQueued))
	f.agent(t, "dev-2", prefFor([]string{"backend"}, persistence.StatusQueued, persistence.StatusReturned))
	f.task(t, "backend", persistence.StatusQueued, "one", 1)

	res, err := f.engine.Claim(ctx, "dev-1", claim.Request{})
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, "dev-2", res.Task.ID, res.Task.Version, res.Lease.Token, "")
	assert.ErrorIs(t, err, persistence.ErrNotOwner)

	_, err = f.engine.Release(ctx, "dev-1", res.Task.ID, res.Task.Version-1, res.Lease.Token, "")
	assert.ErrorIs(t, err, persistence.ErrVersionConflict)

	released, err := f.engine.Release(ctx, "dev-1", res.Task.ID, res.Task.Version, res.Lease.Token, "blocked on review")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusReturned, released.StatusCode)
	assert.Empty(t, released.AssignedTo)
	assert.Nil(t, released.LockedUntil)
	assert.Equal(t, res.Task.Version+1, released.Version)

	_, err = f.engine.Release(ctx, "dev-1", res.Task.ID, released.Version, res.Lease.Token, "")
	assert.ErrorIs(t, err, persistence.ErrLockNotFound)

	head, err := f.store.HeadState(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, "blocked on review", head.Note)

	// Returned work is claimable again.
	again, err := f.engine.Claim(ctx, "dev-2", claim.Request{})
	require.NoError(t, err)
	assert.Equal(t, res.Task.ID, again.Task.ID)
}

func TestAccept_RenewsLockAndLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "dev-1", prefFor([]string{"backend"}, persistence.StatusQueued))
	f.agent(t, "dev-2", prefFor([]string{"backend"}, persistence.StatusQueued))
	f.task(t, "backend", persistence.StatusQueued, "one", 1)

	res, err := f.engine.Claim(ctx, "dev-1", claim.Request{})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	_, err = f.engine.Accept(ctx, "dev-2", res.Task.ID, res.Task.Version, "", "")
	assert.ErrorIs(t, err, persistence.ErrNotOwner)
	_, err = f.engine.Accept(ctx, "dev-1", res.Task.ID, res.Task.Version+5, "", "")
	assert.ErrorIs(t, err, persistence.ErrVersionConflict)

	acc, err := f.engine.Accept(ctx, "dev-1", res.Task.ID, res.Task.Version, persistence.StatusReview, "ready for review")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusReview, acc.Task.StatusCode)
	assert.Equal(t, res.Task.Version+1, acc.Task.Version)
	assert.Equal(t, res.Lease.ID, acc.Lease.ID)
	want := f.clock.Now().Add(30 * time.Minute)
	assert.True(t, acc.Lease.ExpiresAt.Equal(want))
	require.NotNil(t, acc.Task.LockedUntil)
	assert.True(t, acc.Task.LockedUntil.Equal(want))

	stored, err := f.store.LeaseForItem(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.Equal(want))
}

func TestAccept_RejectsCompletedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "dev-1", prefFor([]string{"backend"}, persistence.StatusQueued))
	f.task(t, "backend", persistence.StatusQueued, "one", 1)

	res, err := f.engine.Claim(ctx, "dev-1", claim.Request{})
	require.NoError(t, err)

	_, err = f.engine.Accept(ctx, "dev-1", res.Task.ID, res.Task.Version, persistence.StatusCompleted, "")
	ve, ok := validation.As(err)
	require.True(t, ok, "want validation error, got %v", err)
	assert.Equal(t, "claim.invalid_status", ve.Code)

	var done *persistence.Task
	require.NoError(t, f.store.WithTx(ctx, func(tx *persistence.Tx) error {
		var err error
		done, err = tx.Transition(ctx, res.Task.ID, res.Task.Version, persistence.Change{
			StatusCode: persistence.StatusCompleted,
			AssignedTo: "dev-1",
			ActorID:    "dev-1",
		})
		return err
	}))
	history, err := f.store.ListHistory(ctx, done.ID)
	require.NoError(t, err)

	_, err = f.engine.Accept(ctx, "dev-1", done.ID, done.Version, "", "")
	ve, ok = validation.As(err)
	require.True(t, ok, "want validation error, got %v", err)
	assert.Equal(t, "claim.invalid_state", ve.Code)
	assert.Equal(t, http.StatusConflict, ve.Status)

	after, err := f.store.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, after.StatusCode)
	assert.Equal(t, done.Version, after.Version)
	assert.Nil(t, after.LockedUntil)
	again, err := f.store.ListHistory(ctx, done.ID)
	require.NoError(t, err)
	assert.Len(t, again, len(history))
}
