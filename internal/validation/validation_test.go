package validation_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qaContext() *validation.Context {
	return &validation.Context{
		Task:         &persistence.Task{ID: "t1", Segment: "qa"},
		AgentID:      "qa-1",
		Status:       "completed",
		Requirements: []string{"policy:workqueue", "agent-brief:qa"},
	}
}

func TestArtifactValidator_RequiresArtifact(t *testing.T) {
	reg := validation.NewRegistry(validation.ArtifactValidator{})
	err := reg.Validate(context.Background(), qaContext())

	ve, ok := validation.As(err)
	require.True(t, ok, "expected ValidationError, got %v", err)
	assert.Equal(t, http.StatusBadRequest, ve.Status)
	assert.Equal(t, "validation.missing_artifact", ve.Code)
	assert.Equal(t, []string{"policy:workqueue", "agent-brief:qa"}, ve.Requirements)
}

func TestArtifactValidator_LinkShape(t *testing.T) {
	sc := qaContext()
	sc.Links = []validation.Link{
		{Title: "", URL: "https://ci.example.test/run/1"},
		{Title: "report", URL: "ftp://example.test/report"},
	}
	err := validation.ArtifactValidator{}.Validate(context.Background(), sc)
	ve, ok := validation.As(err)
	require.True(t, ok)
	assert.Equal(t, "validation.invalid_link", ve.Code)
	assert.Len(t, ve.Details, 2)

	sc.Links = []validation.Link{{Title: "run", URL: "https://ci.example.test/run/1"}}
	assert.NoError(t, validation.ArtifactValidator{}.Validate(context.Background(), sc))

	sc.Links = nil
	sc.Files = []validation.FileInfo{{Name: "report.txt", Size: 10}}
	assert.NoError(t, validation.ArtifactValidator{}.Validate(context.Background(), sc))
}

func TestRequiredFieldsValidator_SegmentScoped(t *testing.T) {
	v := validation.RequiredFieldsValidator{Segment: "qa", Fields: []string{"build", "environment"}}
	assert.True(t, v.Supports("qa"))
	assert.False(t, v.Supports("backend"))

	sc := qaContext()
	sc.Metadata = map[string]any{"build": "1.2.3", "environment": "  "}
	ve, ok := validation.As(v.Validate(context.Background(), sc))
	require.True(t, ok)
	assert.Equal(t, "validation.missing_field", ve.Code)
	require.Len(t, ve.Details, 1)
	assert.Equal(t, "metadata.environment", ve.Details[0].Field)

	sc.Metadata["environment"] = "staging"
	assert.NoError(t, v.Validate(context.Background(), sc))
}

const qaSchema = `{
  "type": "object",
  "required": ["passed"],
  "properties": {
    "passed": {"type": "integer", "minimum": 0},
    "failed": {"type": "integer", "maximum": 0}
  }
}`

func TestSchemaValidator(t *testing.T) {
	v, err := validation.NewSchemaValidator("qa", []byte(qaSchema))
	require.NoError(t, err)

	sc := qaContext()
	sc.Metadata = map[string]any{"passed": 12, "failed": 0}
	assert.NoError(t, v.Validate(context.Background(), sc))

	sc.Metadata = map[string]any{"passed": 12, "failed": 2}
	ve, ok := validation.As(v.Validate(context.Background(), sc))
	require.True(t, ok)
	assert.Equal(t, "validation.schema", ve.Code)

	_, err = validation.NewSchemaValidator("qa", []byte(`{not json`))
	assert.Error(t, err)
}

type recordingValidator struct {
	name  string
	calls *[]string
	err   error
}

func (r recordingValidator) Name() string          { return r.name }
func (r recordingValidator) Supports(string) bool  { return true }
func (r recordingValidator) Validate(context.Context, *validation.Context) error {
	*r.calls = append(*r.calls, r.name)
	return r.err
}

func TestRegistry_StopsAtFirstFailureInOrder(t *testing.T) {
	var calls []string
	boom := validation.New(http.StatusUnprocessableEntity, "x.custom", "custom failure")
	reg := validation.NewRegistry(
		recordingValidator{name: "first", calls: &calls},
		recordingValidator{name: "second", calls: &calls, err: boom},
		recordingValidator{name: "third", calls: &calls},
	)
	err := reg.Validate(context.Background(), qaContext())
	require.True(t, errors.Is(err, boom))
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, []string{"first", "second", "third"}, reg.Names())
}

func TestFromConfig_RegistersSegmentValidators(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "schemas"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "schemas", "qa.json"), []byte(qaSchema), 0o644))
	require.NoError(t, os.WriteFile(config.ConfigPath(home), []byte(`
validation:
  segments:
    qa:
      required_fields: [build]
      schema: schemas/qa.json
`), 0o644))
	cfg, err := config.LoadFrom(home)
	require.NoError(t, err)

	reg, err := validation.FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"artifacts", "required_fields:qa", "schema:qa"}, reg.Names())

	sc := qaContext()
	sc.Links = []validation.Link{{Title: "run", URL: "https://ci.example.test/1"}}
	sc.Metadata = map[string]any{"build": "42"}
	ve, ok := validation.As(reg.Validate(context.Background(), sc))
	require.True(t, ok)
	assert.Equal(t, "validation.schema", ve.Code)
}

func TestRequirements(t *testing.T) {
	got := validation.Requirements("qa", []persistence.TemplateLink{{Code: "qa-primary"}, {Code: "qa-checklist"}})
	assert.Equal(t, []string{
		"policy:workqueue",
		"agent-brief:qa",
		"template:qa-primary",
		"template:qa-checklist",
		"handoff-rules:qa",
	}, got)
}
