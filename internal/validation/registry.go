// Package validation holds the submission validators and the structured
// error type shared by submission, ingestion and preference updates.
package validation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/basket/workqueue/internal/persistence"
)

// Link is a submitted URL artifact.
type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// FileInfo describes an uploaded file without its content.
type FileInfo struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Size      int64  `json:"size"`
}

// Context is everything a validator may inspect. Validators must not mutate it.
type Context struct {
	Task         *persistence.Task
	AgentID      string
	Status       string
	Notes        string
	Links        []Link
	Files        []FileInfo
	Metadata     map[string]any
	Requirements []string
}

type Validator interface {
	Name() string
	Supports(segment string) bool
	Validate(ctx context.Context, sc *Context) error
}

// Registry runs validators in registration order.
type Registry struct {
	mu         sync.RWMutex
	validators []Validator
}

func NewRegistry(vs ...Validator) *Registry {
	r := &Registry{}
	r.Register(vs...)
	return r
}

func (r *Registry) Register(vs ...Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = append(r.validators, vs...)
}

// Names lists the registered validators in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, v.Name())
	}
	return out
}

// Validate runs every validator supporting the task's segment and returns the
// first failure. Requirements from sc are attached to a ValidationError that
// did not set its own.
func (r *Registry) Validate(ctx context.Context, sc *Context) error {
	segment := ""
	if sc.Task != nil {
		segment = sc.Task.Segment
	}
	r.mu.RLock()
	vs := append([]Validator(nil), r.validators...)
	r.mu.RUnlock()

	for _, v := range vs {
		if !v.Supports(segment) {
			continue
		}
		if err := v.Validate(ctx, sc); err != nil {
			if ve, ok := As(err); ok && len(ve.Requirements) == 0 {
				ve.Requirements = append([]string(nil), sc.Requirements...)
			}
			return err
		}
	}
	return nil
}

// metadataDocument round-trips metadata through JSON so validators see the
// same value types a JSON client sent.
func metadataDocument(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}
