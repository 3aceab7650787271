package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/workqueue/internal/bus"
	"github.com/basket/workqueue/internal/shared"
	"github.com/google/uuid"
)

// ErrDuplicateRef is returned when a task with the same external ref exists.
var ErrDuplicateRef = errors.New("duplicate external ref")

const taskColumns = `i.id, i.queue_id, q.segment, i.external_ref, i.title, i.priority, i.payload,
	COALESCE(i.created_by, ''), COALESCE(i.assigned_to, ''), i.due_at, i.locked_until,
	COALESCE(i.current_state_id, ''), i.status_value_id, i.status_code, i.version,
	i.created_at, i.updated_at`

const taskFrom = ` FROM queue_items i JOIN queues q ON q.id = i.queue_id `

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var payload string
	var dueAt, lockedUntil sql.NullTime
	if err := scanFn(
		&t.ID,
		&t.QueueID,
		&t.Segment,
		&t.ExternalRef,
		&t.Title,
		&t.Priority,
		&payload,
		&t.CreatedBy,
		&t.AssignedTo,
		&dueAt,
		&lockedUntil,
		&t.CurrentStateID,
		&t.StatusValueID,
		&t.StatusCode,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return err
	}
	t.Payload = json.RawMessage(payload)
	t.DueAt = timePtr(dueAt)
	t.LockedUntil = timePtr(lockedUntil)
	return nil
}

// NewTask describes a task to insert. The first history entry is written with it.
type NewTask struct {
	QueueID     string
	ExternalRef string
	Title       string
	Priority    int
	Payload     json.RawMessage
	CreatedBy   string
	DueAt       *time.Time
	StatusCode  string
	Note        string
	Metadata    map[string]any
}

// Change is the full post-transition value of the mutable task fields.
// AssignedTo "" clears the assignment; LockedUntil nil clears the lock.
type Change struct {
	StatusCode  string
	AssignedTo  string
	LockedUntil *time.Time
	Note        string
	ActorID     string
	Metadata    map[string]any
}

// CreateTask inserts a task at version 0 along with its initial state entry.
func (tx *Tx) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	if strings.TrimSpace(nt.ExternalRef) == "" {
		return nil, fmt.Errorf("create task: empty external ref")
	}
	queue, err := tx.GetQueue(ctx, nt.QueueID)
	if err != nil {
		return nil, err
	}
	sv, err := tx.statusValue(ctx, nt.StatusCode)
	if err != nil {
		return nil, err
	}
	payload := nt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("create task: payload is not valid JSON")
	}

	now := tx.Now()
	id := uuid.NewString()
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO queue_items (id, queue_id, external_ref, title, priority, payload, created_by,
			assigned_to, due_at, locked_until, current_state_id, status_value_id, status_code,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, NULL, ?, ?, 0, ?, ?);
	`, id, queue.ID, nt.ExternalRef, nt.Title, nt.Priority, string(payload), nullString(nt.CreatedBy),
		nullTime(nt.DueAt), sv.ID, sv.Code, now, now); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create task %s: %w", nt.ExternalRef, ErrDuplicateRef)
		}
		return nil, fmt.Errorf("insert queue item: %w", err)
	}
	stateID, err := tx.appendState(ctx, id, sv, nt.Note, nt.CreatedBy, nt.Metadata)
	if err != nil {
		return nil, err
	}
	if _, err := tx.tx.ExecContext(ctx, `UPDATE queue_items SET current_state_id = ? WHERE id = ?;`, stateID, id); err != nil {
		return nil, fmt.Errorf("set initial state: %w", err)
	}
	task, err := tx.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	tx.emit(bus.TopicTaskCreated, bus.TaskCreatedEvent{
		TaskID:  task.ID,
		Segment: task.Segment,
		Status:  task.StatusCode,
	})
	return task, nil
}

func (tx *Tx) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	row := tx.tx.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+`WHERE i.id = ?;`, taskID)
	if err := scanTask(row.Scan, &t); err != nil {
		return nil, notFound(err, "get task "+taskID)
	}
	return &t, nil
}

func (tx *Tx) GetTaskByExternalRef(ctx context.Context, ref string) (*Task, error) {
	var t Task
	row := tx.tx.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+`WHERE i.external_ref = ?;`, ref)
	if err := scanTask(row.Scan, &t); err != nil {
		return nil, notFound(err, "get task by ref")
	}
	return &t, nil
}

// Transition applies ch to the task if its stored version equals
// expectedVersion. It appends a history entry, moves the current-state pointer
// and bumps the version by one. A stale version yields ErrVersionConflict and
// a task already in a terminal status yields ErrInvalidState; either way
// nothing is written.
func (tx *Tx) Transition(ctx context.Context, taskID string, expectedVersion int64, ch Change) (*Task, error) {
	if ch.AssignedTo == "" && ch.LockedUntil != nil {
		return nil, fmt.Errorf("transition %s: lock without assignee", taskID)
	}
	cur, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("transition %s (have %d, stored %d): %w", taskID, expectedVersion, cur.Version, ErrVersionConflict)
	}
	done, err := tx.Terminal(ctx, cur.StatusCode)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, fmt.Errorf("transition %s out of %s: %w", taskID, cur.StatusCode, ErrInvalidState)
	}
	sv, err := tx.statusValue(ctx, ch.StatusCode)
	if err != nil {
		return nil, err
	}
	stateID, err := tx.appendState(ctx, taskID, sv, ch.Note, ch.ActorID, ch.Metadata)
	if err != nil {
		return nil, err
	}
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE queue_items
		SET assigned_to = ?, locked_until = ?, status_value_id = ?, status_code = ?,
			current_state_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?;
	`, nullString(ch.AssignedTo), nullTime(ch.LockedUntil), sv.ID, sv.Code, stateID, tx.Now(), taskID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update task transition: %w", err)
	}
	if err := versionChecked(res, taskID); err != nil {
		return nil, err
	}
	next, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tx.emit(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		Segment:   next.Segment,
		OldStatus: cur.StatusCode,
		NewStatus: next.StatusCode,
		ActorID:   ch.ActorID,
		Version:   next.Version,
	})
	return next, nil
}

// HeldBy reports whether agentID still works the task: it is assigned to
// them and its status is not terminal. A finished task keeps its assignee
// for the record, but nobody holds it any more.
func (tx *Tx) HeldBy(ctx context.Context, t *Task, agentID string) (bool, error) {
	if t == nil || agentID == "" || t.AssignedTo != agentID {
		return false, nil
	}
	done, err := tx.Terminal(ctx, t.StatusCode)
	return !done, err
}

// SetLockedUntil moves the task's lock expiry under the version check without
// a status change, so no history entry is written.
func (tx *Tx) SetLockedUntil(ctx context.Context, taskID string, expectedVersion int64, lockedUntil time.Time) (*Task, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE queue_items
		SET locked_until = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND assigned_to IS NOT NULL;
	`, lockedUntil.UTC(), tx.Now(), taskID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update task lock: %w", err)
	}
	if err := versionChecked(res, taskID); err != nil {
		return nil, err
	}
	return tx.GetTask(ctx, taskID)
}

func versionChecked(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("update task %s: %w", taskID, ErrVersionConflict)
	}
	return nil
}

// CountActive counts tasks assigned to agentID whose status is in statuses.
func (tx *Tx) CountActive(ctx context.Context, agentID string, statuses []string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{agentID}
	for _, st := range statuses {
		args = append(args, st)
	}
	var n int
	if err := tx.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE assigned_to = ? AND status_code IN (`+placeholders(len(statuses))+`);
	`, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+`WHERE i.id = ?;`, taskID)
	if err := scanTask(row.Scan, &t); err != nil {
		return nil, notFound(err, "get task "+taskID)
	}
	return &t, nil
}

func (s *Store) GetTaskByExternalRef(ctx context.Context, ref string) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+`WHERE i.external_ref = ?;`, ref)
	if err := scanTask(row.Scan, &t); err != nil {
		return nil, notFound(err, "get task by ref")
	}
	return &t, nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Segment    string
	Statuses   []string
	AssignedTo string
	Limit      int
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.Segment != "" {
		where = append(where, "q.segment = ?")
		args = append(args, f.Segment)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "i.status_code IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.AssignedTo != "" {
		where = append(where, "i.assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	query := `SELECT ` + taskColumns + taskFrom
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.created_at ASC, i.id ASC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CandidateQuery selects claimable tasks.
type CandidateQuery struct {
	Segments       []string
	StatusValueIDs []int64
	PriorityFloor  int
	// ExcludeIDs skips tasks the caller already lost a race on.
	ExcludeIDs []string
}

// NextCandidate returns the best unassigned, non-terminal task matching q:
// highest priority first, then oldest, then lowest id. It takes no lock; the
// caller must re-check under a transaction. ErrNotFound means the pool is empty.
func (s *Store) NextCandidate(ctx context.Context, q CandidateQuery) (*Task, error) {
	if len(q.Segments) == 0 || len(q.StatusValueIDs) == 0 {
		return nil, fmt.Errorf("next candidate: %w", ErrNotFound)
	}
	var args []any
	for _, seg := range q.Segments {
		args = append(args, seg)
	}
	for _, id := range q.StatusValueIDs {
		args = append(args, id)
	}
	args = append(args, q.PriorityFloor)
	exclude := ""
	if len(q.ExcludeIDs) > 0 {
		exclude = ` AND i.id NOT IN (` + placeholders(len(q.ExcludeIDs)) + `)`
		for _, id := range q.ExcludeIDs {
			args = append(args, id)
		}
	}

	var t Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+`
		JOIN enum_values v ON v.id = i.status_value_id
		WHERE i.assigned_to IS NULL
		  AND v.terminal = 0
		  AND q.segment IN (`+placeholders(len(q.Segments))+`)
		  AND i.status_value_id IN (`+placeholders(len(q.StatusValueIDs))+`)
		  AND i.priority >= ?`+exclude+`
		ORDER BY i.priority DESC, i.created_at ASC, i.id ASC
		LIMIT 1;
	`, args...)
	if err := scanTask(row.Scan, &t); err != nil {
		return nil, notFound(err, "next candidate")
	}
	return &t, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (tx *Tx) appendState(ctx context.Context, itemID string, sv *EnumValue, note, actorID string, metadata map[string]any) (string, error) {
	meta := []byte("{}")
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("marshal state metadata: %w", err)
		}
		meta = b
	}
	id := uuid.NewString()
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO queue_item_states (id, item_id, status_code, status_value_id, note, actor_id, metadata, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, id, itemID, sv.Code, sv.ID, note, nullString(actorID), string(meta), shared.TraceID(ctx), tx.Now()); err != nil {
		return "", fmt.Errorf("insert state entry: %w", err)
	}
	return id, nil
}

const stateColumns = `seq, id, item_id, status_code, status_value_id, note, COALESCE(actor_id, ''), metadata, trace_id, created_at`

func scanState(scanFn func(dest ...any) error, e *StateEntry) error {
	var meta string
	if err := scanFn(&e.Seq, &e.ID, &e.ItemID, &e.StatusCode, &e.StatusValueID, &e.Note, &e.ActorID, &meta, &e.TraceID, &e.CreatedAt); err != nil {
		return err
	}
	e.Metadata = json.RawMessage(meta)
	return nil
}

// ListHistory returns every state entry for a task in append order.
func (s *Store) ListHistory(ctx context.Context, itemID string) ([]StateEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stateColumns+`
		FROM queue_item_states
		WHERE item_id = ?
		ORDER BY seq ASC;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var out []StateEntry
	for rows.Next() {
		var e StateEntry
		if err := scanState(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan state entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HeadState derives the current state from the log's last entry.
func (s *Store) HeadState(ctx context.Context, itemID string) (*StateEntry, error) {
	var e StateEntry
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stateColumns+`
		FROM queue_item_states
		WHERE item_id = ?
		ORDER BY seq DESC
		LIMIT 1;
	`, itemID)
	if err := scanState(row.Scan, &e); err != nil {
		return nil, notFound(err, "head state")
	}
	return &e, nil
}
