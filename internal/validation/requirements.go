package validation

import "github.com/basket/workqueue/internal/persistence"

// Requirements lists the documents an agent must honour when working a task
// in segment: the queue policy, the segment brief, each attached template and
// the segment's handoff rules.
func Requirements(segment string, templates []persistence.TemplateLink) []string {
	out := make([]string, 0, len(templates)+3)
	out = append(out, "policy:workqueue", "agent-brief:"+segment)
	for _, t := range templates {
		out = append(out, "template:"+t.Code)
	}
	return append(out, "handoff-rules:"+segment)
}
