package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const queueColumns = `id, segment, status_code, title, COALESCE(owner_id, ''), created_at, updated_at`

func scanQueue(scanFn func(dest ...any) error, q *Queue) error {
	return scanFn(&q.ID, &q.Segment, &q.StatusCode, &q.Title, &q.OwnerID, &q.CreatedAt, &q.UpdatedAt)
}

// ResolveQueue returns the queue for (segment, status), creating it on first use.
func (tx *Tx) ResolveQueue(ctx context.Context, segment, statusCode string) (*Queue, error) {
	var q Queue
	row := tx.tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE segment = ? AND status_code = ?;`, segment, statusCode)
	err := scanQueue(row.Scan, &q)
	if err == nil {
		return &q, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select queue: %w", err)
	}
	now := tx.Now()
	q = Queue{
		ID:         uuid.NewString(),
		Segment:    segment,
		StatusCode: statusCode,
		Title:      fmt.Sprintf("%s / %s", segment, statusCode),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO queues (id, segment, status_code, title, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?);
	`, q.ID, q.Segment, q.StatusCode, q.Title, now, now); err != nil {
		return nil, fmt.Errorf("insert queue: %w", err)
	}
	return &q, nil
}

func (tx *Tx) GetQueue(ctx context.Context, queueID string) (*Queue, error) {
	var q Queue
	row := tx.tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = ?;`, queueID)
	if err := scanQueue(row.Scan, &q); err != nil {
		return nil, notFound(err, "get queue")
	}
	return &q, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (*Queue, error) {
	var q Queue
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = ?;`, queueID)
	if err := scanQueue(row.Scan, &q); err != nil {
		return nil, notFound(err, "get queue")
	}
	return &q, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY segment, status_code;`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()
	var out []Queue
	for rows.Next() {
		var q Queue
		if err := scanQueue(rows.Scan, &q); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SegmentDepth is the number of open, unassigned tasks per segment and status.
type SegmentDepth struct {
	Segment    string
	StatusCode string
	Count      int
}

func (s *Store) QueueDepths(ctx context.Context) ([]SegmentDepth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.segment, i.status_code, COUNT(*)
		FROM queue_items i
		JOIN queues q ON q.id = i.queue_id
		JOIN enum_values v ON v.id = i.status_value_id
		WHERE i.assigned_to IS NULL AND v.terminal = 0
		GROUP BY q.segment, i.status_code
		ORDER BY q.segment, i.status_code;
	`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()
	var out []SegmentDepth
	for rows.Next() {
		var d SegmentDepth
		if err := rows.Scan(&d.Segment, &d.StatusCode, &d.Count); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
