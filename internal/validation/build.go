package validation

import (
	"sort"

	"github.com/basket/workqueue/internal/config"
)

// FromConfig builds the startup registry: the artifact check for every
// segment, then per-segment required fields and schemas.
func FromConfig(cfg config.Config) (*Registry, error) {
	r := NewRegistry(ArtifactValidator{})

	segments := make([]string, 0, len(cfg.Validation.Segments))
	for seg := range cfg.Validation.Segments {
		segments = append(segments, seg)
	}
	sort.Strings(segments)

	for _, seg := range segments {
		sv := cfg.Validation.Segments[seg]
		if len(sv.RequiredFields) > 0 {
			r.Register(RequiredFieldsValidator{Segment: seg, Fields: sv.RequiredFields})
		}
		if sv.Schema != "" {
			v, err := LoadSchemaValidator(seg, cfg.SchemaPath(sv.Schema))
			if err != nil {
				return nil, err
			}
			r.Register(v)
		}
	}
	return r, nil
}
