package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/workqueue/internal/bus"
	"github.com/google/uuid"
)

const leaseColumns = `id, scope, COALESCE(queue_id, item_id), owner_id, token, expires_at, created_at`

func scanLease(scanFn func(dest ...any) error, l *Lease) error {
	if err := scanFn(&l.ID, &l.Scope, &l.TargetID, &l.OwnerID, &l.Token, &l.ExpiresAt, &l.CreatedAt); err != nil {
		return err
	}
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	return nil
}

func targetColumn(scope string) (string, error) {
	switch scope {
	case ScopeQueue:
		return "queue_id", nil
	case ScopeItem:
		return "item_id", nil
	default:
		return "", fmt.Errorf("unknown lease scope %q", scope)
	}
}

// LeaseForTarget returns the lease row for a target whether or not it has
// expired. ErrLockNotFound means there is none.
func (tx *Tx) LeaseForTarget(ctx context.Context, scope, targetID string) (*Lease, error) {
	col, err := targetColumn(scope)
	if err != nil {
		return nil, err
	}
	var l Lease
	row := tx.tx.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM queue_locks WHERE scope = ? AND `+col+` = ?;`, scope, targetID)
	if err := scanLease(row.Scan, &l); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lease for %s %s: %w", scope, targetID, ErrLockNotFound)
		}
		return nil, fmt.Errorf("select lease: %w", err)
	}
	return &l, nil
}

func (tx *Tx) LeaseByToken(ctx context.Context, token string) (*Lease, error) {
	var l Lease
	row := tx.tx.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM queue_locks WHERE token = ?;`, token)
	if err := scanLease(row.Scan, &l); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lease by token: %w", ErrLockNotFound)
		}
		return nil, fmt.Errorf("select lease: %w", err)
	}
	return &l, nil
}

func (tx *Tx) LeaseByID(ctx context.Context, leaseID string) (*Lease, error) {
	var l Lease
	row := tx.tx.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM queue_locks WHERE id = ?;`, leaseID)
	if err := scanLease(row.Scan, &l); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lease %s: %w", leaseID, ErrLockNotFound)
		}
		return nil, fmt.Errorf("select lease: %w", err)
	}
	return &l, nil
}

// InsertLease writes a new lease with a random token. The caller must have
// cleared any previous row for the target; the unique index rejects a second
// row with ErrAlreadyLocked.
func (tx *Tx) InsertLease(ctx context.Context, scope, targetID, ownerID string, ttl time.Duration) (*Lease, error) {
	col, err := targetColumn(scope)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("insert lease: ttl must be positive")
	}
	now := tx.Now()
	l := Lease{
		ID:        uuid.NewString(),
		Scope:     scope,
		TargetID:  targetID,
		OwnerID:   ownerID,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO queue_locks (id, scope, `+col+`, owner_id, token, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, l.ID, l.Scope, l.TargetID, l.OwnerID, l.Token, l.ExpiresAt, l.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert lease for %s %s: %w", scope, targetID, ErrAlreadyLocked)
		}
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	tx.emit(bus.TopicLeaseAcquired, bus.LeaseEvent{LeaseID: l.ID, Scope: scope, TargetID: targetID, OwnerID: ownerID})
	return &l, nil
}

func (tx *Tx) ExtendLease(ctx context.Context, leaseID string, expiresAt time.Time) error {
	res, err := tx.tx.ExecContext(ctx, `UPDATE queue_locks SET expires_at = ? WHERE id = ?;`, expiresAt.UTC(), leaseID)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend lease rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("extend lease %s: %w", leaseID, ErrLockNotFound)
	}
	return nil
}

// DeleteLease removes a lease row. reason is carried on the emitted event.
func (tx *Tx) DeleteLease(ctx context.Context, l *Lease, reason string) error {
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM queue_locks WHERE id = ?;`, l.ID)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete lease rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete lease %s: %w", l.ID, ErrLockNotFound)
	}
	topic := bus.TopicLeaseReleased
	if reason == "expired" {
		topic = bus.TopicLeaseReclaimed
	}
	tx.emit(topic, bus.LeaseEvent{LeaseID: l.ID, Scope: l.Scope, TargetID: l.TargetID, OwnerID: l.OwnerID, Reason: reason})
	return nil
}

// ExpiredLeases lists leases whose expiry is at or before now, oldest first.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]Lease, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leaseColumns+`
		FROM queue_locks
		WHERE expires_at <= ?
		ORDER BY expires_at ASC, id ASC
		LIMIT ?;
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()
	var out []Lease
	for rows.Next() {
		var l Lease
		if err := scanLease(rows.Scan, &l); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLeases returns all lease rows, including expired ones not yet swept.
func (s *Store) ListLeases(ctx context.Context) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+leaseColumns+` FROM queue_locks ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()
	var out []Lease
	for rows.Next() {
		var l Lease
		if err := scanLease(rows.Scan, &l); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LeaseForItem reads the current item lease outside a transaction.
func (s *Store) LeaseForItem(ctx context.Context, itemID string) (*Lease, error) {
	var l Lease
	row := s.db.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM queue_locks WHERE scope = ? AND item_id = ?;`, ScopeItem, itemID)
	if err := scanLease(row.Scan, &l); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lease for item %s: %w", itemID, ErrLockNotFound)
		}
		return nil, fmt.Errorf("select lease: %w", err)
	}
	return &l, nil
}
