package ingest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/ingest"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/basket/workqueue/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *persistence.Store
	service *ingest.Service
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "wq.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	home := t.TempDir()
	knowledge := filepath.Join(home, "knowledge")
	require.NoError(t, os.MkdirAll(filepath.Join(knowledge, "briefs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(knowledge, "briefs", "concept.md"), []byte("# brief"), 0o644))

	cfg, err := config.LoadFrom(home)
	require.NoError(t, err)
	cfg.Segments.Allowed = []string{"concept", "backend", "qa"}
	cfg.Segments.CreationSegment = "concept"
	cfg.KnowledgeRoots = []string{"knowledge"}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{
		store:   store,
		service: ingest.NewService(store, refdata.NewResolver(store), cfg, nil, nil, nil),
	}
}

func validRequest() ingest.Request {
	return ingest.Request{
		SourceID:      "ISSUE-100",
		Segment:       "Concept",
		Priority:      40,
		Title:         "Design the guild bank",
		Summary:       "first pass",
		KnowledgeRefs: []string{"briefs/concept.md", "knowledge/briefs/concept.md", "https://wiki.example.com/guild", "/api/tasks"},
		Templates: ingest.Templates{
			Primary:    []string{"concept-brief"},
			Checklists: []string{"concept-review"},
			References: []ingest.TemplateRef{{Code: "style-guide", Version: "3", Path: "docs/style.md"}},
		},
		Payload:     json.RawMessage(`{"labels":["economy"]}`),
		HandoffPlan: ingest.HandoffPlan{NextSegment: "backend", Conditions: []ingest.HandoffCondition{{Status: "completed", TargetSegment: "qa"}}},
	}
}

func TestIngest_CreatesTaskWithHistoryAndTemplates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.service.Ingest(ctx, "", validRequest())
	require.NoError(t, err)
	assert.Equal(t, "concept", res.Segment)
	assert.Equal(t, persistence.StatusQueued, res.Status)
	assert.NotEmpty(t, res.QueueID)

	task, err := f.store.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), task.Version)
	assert.Equal(t, "ISSUE-100", task.ExternalRef)
	assert.Equal(t, 40, task.Priority)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(task.Payload, &payload))
	assert.Equal(t, "ISSUE-100", payload["source_id"])
	assert.Contains(t, payload, "handoff_plan")
	assert.Contains(t, payload, "payload")

	hist, err := f.store.ListHistory(ctx, res.TaskID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "Task ingested from ISSUE-100", hist[0].Note)

	templates, err := f.store.ListTemplates(ctx, res.TaskID)
	require.NoError(t, err)
	require.Len(t, templates, 3)
	assert.Equal(t, persistence.TemplatePrimary, templates[0].Type)
	assert.Equal(t, persistence.TemplateChecklist, templates[1].Type)
	assert.Equal(t, persistence.TemplateReference, templates[2].Type)
	assert.Equal(t, "docs/style.md", templates[2].SourcePath)
}

func TestIngest_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ingest.Request)
		code   string
		status int
	}{
		{"missing source", func(r *ingest.Request) { r.SourceID = " " }, "ingest.validation.source_id", http.StatusBadRequest},
		{"unknown segment", func(r *ingest.Request) { r.Segment = "marketing" }, "ingest.validation.invalid_segment", http.StatusBadRequest},
		{"not creation segment", func(r *ingest.Request) { r.Segment = "backend" }, "ingest.forbidden.segment", http.StatusForbidden},
		{"unknown status", func(r *ingest.Request) { r.InitialStatus = "parked" }, "ingest.validation.invalid_status", http.StatusBadRequest},
		{"priority too high", func(r *ingest.Request) { r.Priority = 101 }, "ingest.validation.priority", http.StatusBadRequest},
		{"priority negative", func(r *ingest.Request) { r.Priority = -1 }, "ingest.validation.priority", http.StatusBadRequest},
		{"no refs", func(r *ingest.Request) { r.KnowledgeRefs = nil }, "ingest.validation.knowledge_refs", http.StatusBadRequest},
		{"missing file", func(r *ingest.Request) { r.KnowledgeRefs = []string{"briefs/missing.md"} }, "ingest.validation.knowledge_ref", http.StatusBadRequest},
		{"escaping path", func(r *ingest.Request) { r.KnowledgeRefs = []string{"../config.yaml"} }, "ingest.validation.knowledge_ref", http.StatusBadRequest},
		{"bad plan segment", func(r *ingest.Request) { r.HandoffPlan.NextSegment = "sales" }, "ingest.validation.handoff_plan", http.StatusBadRequest},
		{"bad plan status", func(r *ingest.Request) { r.HandoffPlan.Conditions[0].Status = "nope" }, "ingest.validation.handoff_plan", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := validRequest()
			tc.mutate(&req)
			_, err := f.service.Ingest(context.Background(), "", req)
			ve, ok := validation.As(err)
			require.True(t, ok, "want validation error, got %v", err)
			assert.Equal(t, tc.code, ve.Code)
			assert.Equal(t, tc.status, ve.Status)

			tasks, err := f.store.ListTasks(context.Background(), persistence.TaskFilter{})
			require.NoError(t, err)
			assert.Empty(t, tasks)
		})
	}
}

func TestIngest_DuplicateSource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.service.Ingest(ctx, "", validRequest())
	require.NoError(t, err)

	_, err = f.service.Ingest(ctx, "", validRequest())
	ve, ok := validation.As(err)
	require.True(t, ok)
	assert.Equal(t, "ingest.conflict.source_id", ve.Code)
	assert.Equal(t, http.StatusConflict, ve.Status)
}

func TestIngest_AnySegmentWithoutCreationSegment(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Segments.CreationSegment = "" })
	req := validRequest()
	req.Segment = "qa"
	req.InitialStatus = "ready"

	res, err := f.service.Ingest(context.Background(), "", req)
	require.NoError(t, err)
	assert.Equal(t, "qa", res.Segment)
	assert.Equal(t, persistence.StatusReady, res.Status)
}

func TestIngest_InactiveActor(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.Ingest(context.Background(), "ghost", validRequest())
	assert.ErrorIs(t, err, persistence.ErrAgentInactive)
}
