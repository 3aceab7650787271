package handoff_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/workqueue/internal/bus"
	"github.com/basket/workqueue/internal/handoff"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
rules:
  - segment: backend
    status: completed
    next: qa
    templates: [qa-regression, smoke]
  - segment: backend
    next: triage
`

func newRouter(t *testing.T) (*handoff.Router, *bus.Bus, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "wq.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	b := bus.New()
	path := filepath.Join(dir, "handoff.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o644))
	return handoff.NewRouter(store, b, nil), b, path
}

func TestSync_AndResolveNext(t *testing.T) {
	r, b, path := newRouter(t)
	sub := b.Subscribe(bus.TopicHandoffRulesReloaded)
	defer b.Unsubscribe(sub)
	ctx := context.Background()

	n, err := r.Sync(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	select {
	case ev := <-sub.Ch():
		assert.Equal(t, 2, ev.Payload.(bus.HandoffRulesReloaded).Count)
	case <-time.After(time.Second):
		t.Fatal("expected reload event")
	}

	rule, ok, err := r.ResolveNext(ctx, "backend", "completed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "qa", rule.NextSegment)
	assert.Equal(t, []string{"qa-regression", "smoke"}, rule.TemplateCodes)

	rule, ok, err = r.ResolveNext(ctx, "backend", "cancelled")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "triage", rule.NextSegment)

	_, ok, err = r.ResolveNext(ctx, "qa", "completed")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSync_ReplacesRules(t *testing.T) {
	r, _, path := newRouter(t)
	ctx := context.Background()
	_, err := r.Sync(ctx, path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - {segment: qa, status: completed, next: release}\n"), 0o644))
	n, err := r.Sync(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rules, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "release", rules[0].NextSegment)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	rules, err := handoff.LoadFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, rules)

	cases := map[string]string{
		"no next":   "rules:\n  - {segment: qa}\n",
		"self loop": "rules:\n  - {segment: qa, next: qa}\n",
		"duplicate": "rules:\n  - {segment: qa, next: a}\n  - {segment: qa, next: b}\n",
		"bad yaml":  "rules: [\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, name+".yaml")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		_, err := handoff.LoadFile(p)
		assert.Error(t, err, name)
	}
}
