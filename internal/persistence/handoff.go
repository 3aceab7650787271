package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func scanHandoffRule(scanFn func(dest ...any) error, r *HandoffRule) error {
	var status sql.NullString
	var codes string
	if err := scanFn(&r.ID, &r.CurrentSegment, &status, &r.NextSegment, &codes); err != nil {
		return err
	}
	r.StatusCode = status.String
	r.TemplateCodes = splitCodes(codes)
	return nil
}

func splitCodes(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ReplaceHandoffRules swaps the whole rule table in one transaction.
func (s *Store) ReplaceHandoffRules(ctx context.Context, rules []HandoffRule) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM handoff_rules;`); err != nil {
			return fmt.Errorf("clear handoff rules: %w", err)
		}
		now := tx.Now()
		for _, r := range rules {
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO handoff_rules (current_segment, status_code, next_segment, template_codes, created_at)
				VALUES (?, ?, ?, ?, ?);
			`, r.CurrentSegment, nullString(r.StatusCode), r.NextSegment, strings.Join(r.TemplateCodes, ","), now); err != nil {
				return fmt.Errorf("insert handoff rule: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListHandoffRules(ctx context.Context) ([]HandoffRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, current_segment, status_code, next_segment, template_codes
		FROM handoff_rules
		ORDER BY current_segment, status_code IS NULL, status_code, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list handoff rules: %w", err)
	}
	defer rows.Close()
	var out []HandoffRule
	for rows.Next() {
		var r HandoffRule
		if err := scanHandoffRule(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan handoff rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindHandoffRule returns the rule for (segment, status). An empty status
// selects the wildcard row. ErrNotFound means no rule.
func (s *Store) FindHandoffRule(ctx context.Context, segment, statusCode string) (*HandoffRule, error) {
	query := `
		SELECT id, current_segment, status_code, next_segment, template_codes
		FROM handoff_rules
		WHERE current_segment = ? AND status_code = ?
		ORDER BY id LIMIT 1;`
	args := []any{segment, statusCode}
	if statusCode == "" {
		query = `
			SELECT id, current_segment, status_code, next_segment, template_codes
			FROM handoff_rules
			WHERE current_segment = ? AND status_code IS NULL
			ORDER BY id LIMIT 1;`
		args = []any{segment}
	}
	var r HandoffRule
	if err := scanHandoffRule(s.db.QueryRowContext(ctx, query, args...).Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find handoff rule: %w", err)
	}
	return &r, nil
}
