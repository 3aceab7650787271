package lease_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/persistence"
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
	store *persistence.Store
	clock *clock
	mgr   *lease.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "wq.db"), nil, persistence.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &fixture{store: store, clock: c, mgr: lease.NewManager(lease.Config{Store: store})}
}

func (f *fixture) agent(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.UpsertAgent(context.Background(), persistence.Agent{ID: id, RoleKey: "qa"}))
}

func (f *fixture) task(t *testing.T, ref string) *persistence.Task {
	t.Helper()
	var task *persistence.Task
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx *persistence.Tx) error {
		q, err := tx.ResolveQueue(ctx, "qa", persistence.StatusReady)
		if err != nil {
			return err
		}
		task, err = tx.CreateTask(ctx, persistence.NewTask{QueueID: q.ID, ExternalRef: ref, StatusCode: persistence.StatusReady})
		return err
	}))
	return task
}

// assign puts the task in progress for owner with an item lease, the way a claim does.
func (f *fixture) assign(t *testing.T, task *persistence.Task, owner string, ttl time.Duration) *persistence.Lease {
	t.Helper()
	ctx := context.Background()
	var l *persistence.Lease
	require.NoError(t, f.store.WithTx(ctx, func(tx *persistence.Tx) error {
		until := tx.Now().Add(ttl)
		if _, err := tx.Transition(ctx, task.ID, task.Version, persistence.Change{
			StatusCode: persistence.StatusInProgress, AssignedTo: owner, LockedUntil: &until, ActorID: owner,
		}); err != nil {
			return err
		}
		var err error
		l, err = f.mgr.AcquireTx(ctx, tx, persistence.ScopeItem, task.ID, owner, ttl)
		return err
	}))
	return l
}

func TestAcquire_SingleWinnerUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "hot")
	const n = 8
	for i := 0; i < n; i++ {
		f.agent(t, fmt.Sprintf("a%d", i))
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.mgr.Acquire(context.Background(), persistence.ScopeItem, task.ID, fmt.Sprintf("a%d", i), time.Minute)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, persistence.ErrAlreadyLocked):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)

	leases, err := f.store.ListLeases(context.Background())
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}

func TestAcquire_ReclaimsExpiredLeaseInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "old")
	f.agent(t, "new")
	task := f.task(t, "t1")
	first := f.assign(t, task, "old", time.Minute)

	_, err := f.mgr.Acquire(ctx, persistence.ScopeItem, task.ID, "new", time.Minute)
	require.ErrorIs(t, err, persistence.ErrAlreadyLocked)

	f.clock.Advance(time.Minute)
	second, err := f.mgr.Acquire(ctx, persistence.ScopeItem, task.ID, "new", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedTo)
	assert.Nil(t, got.LockedUntil)
	assert.Equal(t, persistence.StatusReturned, got.StatusCode)

	head, err := f.store.HeadState(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.ReclaimNote, head.Note)
	assert.Empty(t, head.ActorID)
}

func TestRelease_DoubleReleaseFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "qa-1")
	task := f.task(t, "t1")
	l := f.assign(t, task, "qa-1", time.Minute)

	require.NoError(t, f.mgr.Release(ctx, l.Token, "qa-1"))
	err := f.mgr.Release(ctx, l.Token, "qa-1")
	require.ErrorIs(t, err, persistence.ErrLockNotFound)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedTo)
	assert.Nil(t, got.LockedUntil)
	assert.Equal(t, int64(2), got.Version)
}

func TestRelease_NotOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "qa-1")
	f.agent(t, "qa-2")
	task := f.task(t, "t1")
	l := f.assign(t, task, "qa-1", time.Minute)

	require.ErrorIs(t, f.mgr.Release(ctx, l.Token, "qa-2"), persistence.ErrNotOwner)
	_, err := f.store.LeaseForItem(ctx, task.ID)
	require.NoError(t, err, "lease must survive a rejected release")
}

func TestRenew_ExtendsLeaseAndTaskLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "qa-1")
	task := f.task(t, "t1")
	l := f.assign(t, task, "qa-1", time.Minute)

	f.clock.Advance(30 * time.Second)
	renewed, err := f.mgr.Renew(ctx, l.Token, "qa-1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.Equal(f.clock.Now().Add(5*time.Minute)))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, got.LockedUntil.Equal(renewed.ExpiresAt))

	f.clock.Advance(5 * time.Minute)
	_, err = f.mgr.Renew(ctx, l.Token, "qa-1", time.Minute)
	require.ErrorIs(t, err, persistence.ErrLockNotFound)
}

func TestAcquire_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "qa-1")
	task := f.task(t, "t1")

	_, err := f.mgr.Acquire(ctx, persistence.ScopeItem, task.ID, "qa-1", 0)
	ve, ok := validation.As(err)
	require.True(t, ok)
	assert.Equal(t, "lease.invalid_ttl", ve.Code)

	_, err = f.mgr.Acquire(ctx, "table", task.ID, "qa-1", time.Minute)
	_, ok = validation.As(err)
	assert.True(t, ok)

	_, err = f.mgr.Acquire(ctx, persistence.ScopeItem, "missing", "qa-1", time.Minute)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	_, err = f.mgr.Acquire(ctx, persistence.ScopeItem, task.ID, "stranger", time.Minute)
	require.ErrorIs(t, err, persistence.ErrAgentInactive)
}

func TestAcquire_QueueScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "lead")
	task := f.task(t, "t1")

	l, err := f.mgr.Acquire(ctx, persistence.ScopeQueue, task.QueueID, "lead", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, persistence.ScopeQueue, l.Scope)

	f.clock.Advance(2 * time.Minute)
	handled, reclaimed, err := f.mgr.ReclaimExpired(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, reclaimed)
}

func TestReclaimExpired_LeavesFinishedTaskAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "qa-1")
	task := f.task(t, "done-1")
	l := f.assign(t, task, "qa-1", time.Minute)

	cur, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(ctx, func(tx *persistence.Tx) error {
		_, err := tx.Transition(ctx, cur.ID, cur.Version, persistence.Change{
			StatusCode: persistence.StatusCompleted, AssignedTo: "qa-1", ActorID: "qa-1",
		})
		return err
	}))
	done, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	handled, reclaimed, err := f.mgr.ReclaimExpired(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, reclaimed)

	after, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, after.StatusCode)
	assert.Equal(t, done.Version, after.Version)
	_, err = f.store.LeaseForItem(ctx, task.ID)
	assert.ErrorIs(t, err, persistence.ErrLockNotFound)
}
