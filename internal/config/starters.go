package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StarterAgents returns the agents written into a first-run config.yaml.
func StarterAgents() []AgentSeed {
	return []AgentSeed{
		{
			ID:          "backend-1",
			Role:        "backend",
			DisplayName: "Backend developer",
			Preference: &PreferenceConfig{
				PrimarySegments:      []string{"backend"},
				FallbackSegments:     []string{"triage"},
				MaxInProgressMinutes: 120,
				MaxActiveTasks:       2,
			},
		},
		{
			ID:          "qa-1",
			Role:        "qa",
			DisplayName: "QA engineer",
			Preference: &PreferenceConfig{
				PrimarySegments:      []string{"qa"},
				MaxInProgressMinutes: 60,
				MaxActiveTasks:       3,
			},
		},
		{
			ID:          "triage-1",
			Role:        "triage",
			DisplayName: "Triage",
		},
	}
}

const starterHandoff = `# Handoff rules: when a task in <segment> reaches <status>, a follow-on
# task is queued in <next>. Omit status to match any submitted status.
rules:
  - segment: backend
    status: completed
    next: qa
    templates: [qa-regression]
  - segment: triage
    status: completed
    next: backend
`

// WriteStarter writes a starter config.yaml and handoff.yaml into homeDir.
// Existing files are left alone. It reports whether anything was written.
func WriteStarter(homeDir string) (bool, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create workqueue home: %w", err)
	}
	wrote := false

	cfgPath := ConfigPath(homeDir)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		starter := defaultConfig()
		starter.Segments.Allowed = []string{"triage", "backend", "qa"}
		starter.Segments.CreationSegment = "triage"
		starter.Agents = StarterAgents()
		out, err := yaml.Marshal(starter)
		if err != nil {
			return false, fmt.Errorf("marshal starter config: %w", err)
		}
		if err := os.WriteFile(cfgPath, out, 0o644); err != nil {
			return false, fmt.Errorf("write starter config: %w", err)
		}
		wrote = true
	}

	handoffPath := filepath.Join(homeDir, HandoffFileName)
	if _, err := os.Stat(handoffPath); os.IsNotExist(err) {
		if err := os.WriteFile(handoffPath, []byte(starterHandoff), 0o644); err != nil {
			return false, fmt.Errorf("write starter handoff rules: %w", err)
		}
		wrote = true
	}
	return wrote, nil
}
