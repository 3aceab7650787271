package persistence

import (
	"context"
	"fmt"
	"strings"
)

const agentColumns = `id, role_key, display_name, contact, active, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	var active int
	if err := scanFn(&a.ID, &a.RoleKey, &a.DisplayName, &a.Contact, &active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return err
	}
	a.Active = active == 1
	return nil
}

// UpsertAgent provisions an agent or refreshes its role, display name and
// contact. The active flag is only set on insert.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return fmt.Errorf("upsert agent: empty id")
	}
	if strings.TrimSpace(a.RoleKey) == "" {
		return fmt.Errorf("upsert agent %s: empty role", a.ID)
	}
	now := s.Now()
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, role_key, display_name, contact, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				role_key = excluded.role_key,
				display_name = excluded.display_name,
				contact = excluded.contact,
				updated_at = excluded.updated_at;
		`, a.ID, a.RoleKey, a.DisplayName, a.Contact, now, now)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

// GetAgent returns ErrNotFound when the agent does not exist.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, agentID)
	if err := scanAgent(row.Scan, &a); err != nil {
		return nil, notFound(err, "get agent")
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY role_key, id;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveAgentsByRole lists active agents with the given role, oldest first.
func (s *Store) ActiveAgentsByRole(ctx context.Context, roleKey string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE role_key = ? AND active = 1
		ORDER BY created_at ASC, id ASC;
	`, roleKey)
	if err != nil {
		return nil, fmt.Errorf("list agents by role: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAgentActive flips the active flag. Agents are never deleted so history
// rows keep resolving.
func (s *Store) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET active = ?, updated_at = ? WHERE id = ?;
	`, flag, s.Now(), agentID)
	if err != nil {
		return fmt.Errorf("set agent active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set agent active rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set agent active %s: %w", agentID, ErrNotFound)
	}
	return nil
}

func (tx *Tx) getAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	row := tx.tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, agentID)
	if err := scanAgent(row.Scan, &a); err != nil {
		return nil, notFound(err, "agent "+agentID)
	}
	return &a, nil
}

// RequireActiveAgent re-reads the agent inside the transaction.
func (tx *Tx) RequireActiveAgent(ctx context.Context, agentID string) (*Agent, error) {
	a, err := tx.getAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentInactive)
	}
	return a, nil
}
