package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

var seedTaskStatuses = []EnumValue{
	{Code: StatusQueued, Title: "Queued", SortOrder: 10},
	{Code: StatusReady, Title: "Ready", SortOrder: 20},
	{Code: StatusInProgress, Title: "In progress", SortOrder: 30},
	{Code: StatusReview, Title: "In review", SortOrder: 40},
	{Code: StatusReturned, Title: "Returned", SortOrder: 50},
	{Code: StatusBlocked, Title: "Blocked", SortOrder: 60},
	{Code: StatusCompleted, Title: "Completed", SortOrder: 90, Terminal: true},
	{Code: StatusCancelled, Title: "Cancelled", SortOrder: 100, Terminal: true},
}

func seedEnumsTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO enum_groups (code, title, version) VALUES (?, ?, 1);
	`, EnumGroupTaskStatus, "Task status"); err != nil {
		return fmt.Errorf("seed enum group: %w", err)
	}
	for _, v := range seedTaskStatuses {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO enum_values (group_code, code, title, sort_order, terminal)
			VALUES (?, ?, ?, ?, ?);
		`, EnumGroupTaskStatus, v.Code, v.Title, v.SortOrder, boolToInt(v.Terminal)); err != nil {
			return fmt.Errorf("seed enum value %s: %w", v.Code, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanEnumValue(scanFn func(dest ...any) error, v *EnumValue) error {
	var terminal int
	if err := scanFn(&v.ID, &v.GroupCode, &v.Code, &v.Title, &v.SortOrder, &terminal); err != nil {
		return err
	}
	v.Terminal = terminal == 1
	return nil
}

// ResolveEnumValue looks up a value by group and code.
func (s *Store) ResolveEnumValue(ctx context.Context, group, code string) (*EnumValue, error) {
	var v EnumValue
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_code, code, title, sort_order, terminal
		FROM enum_values WHERE group_code = ? AND code = ?;
	`, group, code)
	if err := scanEnumValue(row.Scan, &v); err != nil {
		return nil, notFound(err, fmt.Sprintf("resolve enum %s/%s", group, code))
	}
	return &v, nil
}

func (s *Store) ListEnumValues(ctx context.Context, group string) ([]EnumValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_code, code, title, sort_order, terminal
		FROM enum_values WHERE group_code = ?
		ORDER BY sort_order, id;
	`, group)
	if err != nil {
		return nil, fmt.Errorf("list enum values: %w", err)
	}
	defer rows.Close()
	var out []EnumValue
	for rows.Next() {
		var v EnumValue
		if err := scanEnumValue(rows.Scan, &v); err != nil {
			return nil, fmt.Errorf("scan enum value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// EnumGroupVersion returns the current version of a code list.
func (s *Store) EnumGroupVersion(ctx context.Context, group string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM enum_groups WHERE code = ?;`, group).Scan(&version)
	if err != nil {
		return 0, notFound(err, "enum group version")
	}
	return version, nil
}

// AddEnumValue appends a code to a group and bumps the group version. Existing
// values are never rewritten, so cached ids stay valid.
func (s *Store) AddEnumValue(ctx context.Context, group string, v EnumValue) (*EnumValue, error) {
	var out *EnumValue
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO enum_groups (code, title, version) VALUES (?, ?, 0);
		`, group, group); err != nil {
			return fmt.Errorf("ensure enum group: %w", err)
		}
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO enum_values (group_code, code, title, sort_order, terminal)
			VALUES (?, ?, ?, ?, ?);
		`, group, v.Code, v.Title, v.SortOrder, boolToInt(v.Terminal))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("enum value %s/%s already exists", group, v.Code)
			}
			return fmt.Errorf("insert enum value: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("enum value id: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `UPDATE enum_groups SET version = version + 1 WHERE code = ?;`, group); err != nil {
			return fmt.Errorf("bump enum group version: %w", err)
		}
		v.ID = id
		v.GroupCode = group
		out = &v
		return nil
	})
	return out, err
}

// statusValue resolves a task_status code within the transaction.
func (tx *Tx) statusValue(ctx context.Context, code string) (*EnumValue, error) {
	var v EnumValue
	row := tx.tx.QueryRowContext(ctx, `
		SELECT id, group_code, code, title, sort_order, terminal
		FROM enum_values WHERE group_code = ? AND code = ?;
	`, EnumGroupTaskStatus, code)
	if err := scanEnumValue(row.Scan, &v); err != nil {
		return nil, notFound(err, fmt.Sprintf("task status %q", code))
	}
	return &v, nil
}

// Terminal reports whether the task status code ends a task's lifecycle.
func (tx *Tx) Terminal(ctx context.Context, code string) (bool, error) {
	v, err := tx.statusValue(ctx, code)
	if err != nil {
		return false, err
	}
	return v.Terminal, nil
}
