package validation

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ArtifactValidator requires at least one link or file and well-formed links.
type ArtifactValidator struct{}

func (ArtifactValidator) Name() string            { return "artifacts" }
func (ArtifactValidator) Supports(_ string) bool { return true }

func (ArtifactValidator) Validate(_ context.Context, sc *Context) error {
	if len(sc.Links) == 0 && len(sc.Files) == 0 {
		return New(http.StatusBadRequest, "validation.missing_artifact",
			"submission requires at least one link or file")
	}
	var ve *ValidationError
	for i, l := range sc.Links {
		field := fmt.Sprintf("links[%d]", i)
		if strings.TrimSpace(l.Title) == "" {
			if ve == nil {
				ve = New(http.StatusBadRequest, "validation.invalid_link", "links need a title and an http(s) url")
			}
			ve.WithDetail(field+".title", "required")
		}
		if !IsHTTPURL(l.URL) {
			if ve == nil {
				ve = New(http.StatusBadRequest, "validation.invalid_link", "links need a title and an http(s) url")
			}
			ve.WithDetail(field+".url", "must be an http or https url")
		}
	}
	if ve != nil {
		return ve
	}
	return nil
}

// IsHTTPURL reports whether raw parses as an absolute http(s) URL with a host.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldsValidator requires named metadata keys on one segment.
type RequiredFieldsValidator struct {
	Segment string
	Fields  []string
}

func (v RequiredFieldsValidator) Name() string { return "required_fields:" + v.Segment }

func (v RequiredFieldsValidator) Supports(segment string) bool { return segment == v.Segment }

func (v RequiredFieldsValidator) Validate(_ context.Context, sc *Context) error {
	var ve *ValidationError
	for _, f := range v.Fields {
		if !present(sc.Metadata[f]) {
			if ve == nil {
				ve = New(http.StatusBadRequest, "validation.missing_field",
					fmt.Sprintf("segment %s requires metadata fields %s", v.Segment, strings.Join(v.Fields, ", ")))
			}
			ve.WithDetail("metadata."+f, "required")
		}
	}
	if ve != nil {
		return ve
	}
	return nil
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// SchemaValidator checks metadata against a compiled JSON Schema.
type SchemaValidator struct {
	Segment string
	schema  *jsonschema.Schema
}

// NewSchemaValidator compiles the schema document for segment.
func NewSchemaValidator(segment string, schemaJSON []byte) (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", segment, err)
	}
	c := jsonschema.NewCompiler()
	name := segment + ".schema.json"
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", segment, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", segment, err)
	}
	return &SchemaValidator{Segment: segment, schema: schema}, nil
}

// LoadSchemaValidator reads and compiles a schema file.
func LoadSchemaValidator(segment, path string) (*SchemaValidator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema for %s: %w", segment, err)
	}
	return NewSchemaValidator(segment, b)
}

func (v *SchemaValidator) Name() string { return "schema:" + v.Segment }

func (v *SchemaValidator) Supports(segment string) bool { return segment == v.Segment }

func (v *SchemaValidator) Validate(_ context.Context, sc *Context) error {
	raw, err := metadataDocument(sc.Metadata)
	if err != nil {
		return New(http.StatusBadRequest, "validation.schema", "metadata is not serializable")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return New(http.StatusBadRequest, "validation.schema", "metadata is not valid JSON")
	}
	if err := v.schema.Validate(doc); err != nil {
		ve := New(http.StatusBadRequest, "validation.schema",
			fmt.Sprintf("metadata does not match the %s schema", v.Segment))
		ve.WithDetail("metadata", err.Error())
		return ve
	}
	return nil
}
