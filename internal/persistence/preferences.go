package persistence

import (
	"context"
	"encoding/json"
	"fmt"
)

const preferenceColumns = `COALESCE(agent_id, ''), COALESCE(role_key, ''), primary_segments, fallback_segments,
	pickup_statuses, active_statuses, accept_status, return_status, max_in_progress_minutes,
	max_active_tasks, updated_at`

func scanPreference(scanFn func(dest ...any) error, p *AgentPreference) error {
	var primary, fallback, pickup, active string
	if err := scanFn(&p.AgentID, &p.RoleKey, &primary, &fallback, &pickup, &active,
		&p.AcceptStatus, &p.ReturnStatus, &p.MaxInProgressMinutes, &p.MaxActiveTasks, &p.UpdatedAt); err != nil {
		return err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{primary, &p.PrimarySegments},
		{fallback, &p.FallbackSegments},
		{pickup, &p.PickupStatuses},
		{active, &p.ActiveStatuses},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return fmt.Errorf("decode preference list: %w", err)
		}
	}
	return nil
}

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// PreferenceForAgent returns the agent's own record. ErrNotFound if absent.
func (s *Store) PreferenceForAgent(ctx context.Context, agentID string) (*AgentPreference, error) {
	var p AgentPreference
	row := s.db.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM agent_preferences WHERE agent_id = ?;`, agentID)
	if err := scanPreference(row.Scan, &p); err != nil {
		return nil, notFound(err, "preference for agent")
	}
	return &p, nil
}

// PreferenceForRole returns the role default record. ErrNotFound if absent.
func (s *Store) PreferenceForRole(ctx context.Context, roleKey string) (*AgentPreference, error) {
	var p AgentPreference
	row := s.db.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM agent_preferences WHERE role_key = ?;`, roleKey)
	if err := scanPreference(row.Scan, &p); err != nil {
		return nil, notFound(err, "preference for role")
	}
	return &p, nil
}

func (s *Store) ListPreferences(ctx context.Context) ([]AgentPreference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+preferenceColumns+`
		FROM agent_preferences
		ORDER BY agent_id IS NULL, agent_id, role_key;
	`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()
	var out []AgentPreference
	for rows.Next() {
		var p AgentPreference
		if err := scanPreference(rows.Scan, &p); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPreference writes a per-agent record when AgentID is set, otherwise a
// per-role record.
func (s *Store) UpsertPreference(ctx context.Context, p AgentPreference) (*AgentPreference, error) {
	if (p.AgentID == "") == (p.RoleKey == "") {
		return nil, fmt.Errorf("upsert preference: exactly one of agent or role is required")
	}
	conflict := "agent_id"
	if p.AgentID == "" {
		conflict = "role_key"
	}
	p.UpdatedAt = s.Now()
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO agent_preferences (agent_id, role_key, primary_segments, fallback_segments,
				pickup_statuses, active_statuses, accept_status, return_status,
				max_in_progress_minutes, max_active_tasks, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(`+conflict+`) DO UPDATE SET
				primary_segments = excluded.primary_segments,
				fallback_segments = excluded.fallback_segments,
				pickup_statuses = excluded.pickup_statuses,
				active_statuses = excluded.active_statuses,
				accept_status = excluded.accept_status,
				return_status = excluded.return_status,
				max_in_progress_minutes = excluded.max_in_progress_minutes,
				max_active_tasks = excluded.max_active_tasks,
				updated_at = excluded.updated_at;
		`, nullString(p.AgentID), nullString(p.RoleKey),
			encodeList(p.PrimarySegments), encodeList(p.FallbackSegments),
			encodeList(p.PickupStatuses), encodeList(p.ActiveStatuses),
			p.AcceptStatus, p.ReturnStatus, p.MaxInProgressMinutes, p.MaxActiveTasks, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert preference: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}
