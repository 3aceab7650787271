// Package lease grants exclusive, expiring leases over queues and tasks and
// reclaims the ones that lapse.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/otel"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/validation"
)

const (
	// MaxTTL bounds a single grant or renewal.
	MaxTTL = 24 * time.Hour

	ReclaimNote = "lease expired; task reclaimed"
	releaseNote = "lease released"
)

type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Metrics *otel.Metrics
	// ReclaimStatus is the status a reclaimed or lock-released task returns to.
	ReclaimStatus string
}

type Manager struct {
	store         *persistence.Store
	logger        *slog.Logger
	metrics       *otel.Metrics
	reclaimStatus string
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	status := cfg.ReclaimStatus
	if status == "" {
		status = persistence.StatusReturned
	}
	return &Manager{
		store:         cfg.Store,
		logger:        logger,
		metrics:       cfg.Metrics,
		reclaimStatus: status,
	}
}

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 || ttl > MaxTTL {
		return validation.Errorf(http.StatusBadRequest, "lease.invalid_ttl",
			"ttl must be within 1s..%s", MaxTTL)
	}
	return nil
}

// Acquire grants owner an exclusive lease on (scope, targetID). A live lease
// yields ErrAlreadyLocked; an expired one is reclaimed first in the same
// transaction.
func (m *Manager) Acquire(ctx context.Context, scope, targetID, ownerID string, ttl time.Duration) (*persistence.Lease, error) {
	if err := checkTTL(ttl); err != nil {
		return nil, err
	}
	var granted *persistence.Lease
	err := m.store.WithTx(ctx, func(tx *persistence.Tx) error {
		l, err := m.AcquireTx(ctx, tx, scope, targetID, ownerID, ttl)
		if err != nil {
			return err
		}
		granted = l
		return nil
	})
	if err != nil {
		if errors.Is(err, persistence.ErrAlreadyLocked) {
			m.metrics.RecordLockConflict(ctx, scope)
			audit.Record(ctx, audit.DecisionDeny, "lease.acquire", "target already locked", ownerID)
		}
		return nil, err
	}
	audit.Record(ctx, audit.DecisionAllow, "lease.acquire", fmt.Sprintf("%s %s", scope, targetID), ownerID)
	m.logger.InfoContext(ctx, "lease: acquired",
		"lease_id", granted.ID, "scope", scope, "target_id", targetID, "owner_id", ownerID,
		"expires_at", granted.ExpiresAt)
	return granted, nil
}

// AcquireTx is Acquire inside a caller-owned transaction.
func (m *Manager) AcquireTx(ctx context.Context, tx *persistence.Tx, scope, targetID, ownerID string, ttl time.Duration) (*persistence.Lease, error) {
	if err := checkTTL(ttl); err != nil {
		return nil, err
	}
	if _, err := tx.RequireActiveAgent(ctx, ownerID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("acquire lease: owner %s: %w", ownerID, persistence.ErrAgentInactive)
		}
		return nil, err
	}
	switch scope {
	case persistence.ScopeItem:
		if _, err := tx.GetTask(ctx, targetID); err != nil {
			return nil, err
		}
	case persistence.ScopeQueue:
		if _, err := tx.GetQueue(ctx, targetID); err != nil {
			return nil, err
		}
	default:
		return nil, validation.Errorf(http.StatusBadRequest, "lease.invalid_scope", "unknown scope %q", scope)
	}

	existing, err := tx.LeaseForTarget(ctx, scope, targetID)
	switch {
	case err == nil:
		if !existing.Expired(tx.Now()) {
			return nil, fmt.Errorf("acquire %s %s held by %s: %w", scope, targetID, existing.OwnerID, persistence.ErrAlreadyLocked)
		}
		if _, err := m.ReclaimTx(ctx, tx, existing); err != nil {
			return nil, err
		}
	case errors.Is(err, persistence.ErrLockNotFound):
	default:
		return nil, err
	}
	return tx.InsertLease(ctx, scope, targetID, ownerID, ttl)
}

// Release deletes the lease identified by token. An item lease also returns
// its task to the reclaim status when the owner still holds it.
func (m *Manager) Release(ctx context.Context, token, ownerID string) error {
	err := m.store.WithTx(ctx, func(tx *persistence.Tx) error {
		_, err := m.ReleaseTx(ctx, tx, token, ownerID, m.reclaimStatus, releaseNote)
		return err
	})
	if err != nil {
		if errors.Is(err, persistence.ErrNotOwner) {
			audit.Record(ctx, audit.DecisionDeny, "lease.release", "caller is not the lease owner", ownerID)
		}
		return err
	}
	audit.Record(ctx, audit.DecisionAllow, "lease.release", "lease released", ownerID)
	return nil
}

// ReleaseTx deletes the lease and, for an item lease still held by the owner,
// clears the task's assignment and lock and moves it to status. The returned
// task is nil for queue leases or when the task was no longer assigned.
func (m *Manager) ReleaseTx(ctx context.Context, tx *persistence.Tx, token, ownerID, status, note string) (*persistence.Task, error) {
	l, err := tx.LeaseByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != ownerID {
		return nil, fmt.Errorf("release lease %s: %w", l.ID, persistence.ErrNotOwner)
	}
	var task *persistence.Task
	if l.Scope == persistence.ScopeItem {
		cur, err := tx.GetTask(ctx, l.TargetID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
		held, err := tx.HeldBy(ctx, cur, ownerID)
		if err != nil {
			return nil, err
		}
		if held {
			task, err = tx.Transition(ctx, cur.ID, cur.Version, persistence.Change{
				StatusCode: status,
				Note:       note,
				ActorID:    ownerID,
				Metadata:   map[string]any{"reason": "released", "lease_id": l.ID},
			})
			if err != nil {
				return nil, err
			}
		}
	}
	if err := tx.DeleteLease(ctx, l, "released"); err != nil {
		return nil, err
	}
	return task, nil
}

// Renew extends a live lease to now+ttl. Item leases also move the task's
// locked_until. An expired token yields ErrLockNotFound.
func (m *Manager) Renew(ctx context.Context, token, ownerID string, ttl time.Duration) (*persistence.Lease, error) {
	if err := checkTTL(ttl); err != nil {
		return nil, err
	}
	var renewed *persistence.Lease
	err := m.store.WithTx(ctx, func(tx *persistence.Tx) error {
		l, err := m.RenewTx(ctx, tx, token, ownerID, ttl)
		if err != nil {
			return err
		}
		renewed = l
		return nil
	})
	if err != nil {
		if errors.Is(err, persistence.ErrNotOwner) {
			audit.Record(ctx, audit.DecisionDeny, "lease.renew", "caller is not the lease owner", ownerID)
		}
		return nil, err
	}
	m.logger.DebugContext(ctx, "lease: renewed", "lease_id", renewed.ID, "expires_at", renewed.ExpiresAt)
	return renewed, nil
}

// RenewTx is Renew inside a caller-owned transaction.
func (m *Manager) RenewTx(ctx context.Context, tx *persistence.Tx, token, ownerID string, ttl time.Duration) (*persistence.Lease, error) {
	l, err := tx.LeaseByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != ownerID {
		return nil, fmt.Errorf("renew lease %s: %w", l.ID, persistence.ErrNotOwner)
	}
	now := tx.Now()
	if l.Expired(now) {
		return nil, fmt.Errorf("renew lease %s: expired at %s: %w", l.ID, l.ExpiresAt.Format(time.RFC3339), persistence.ErrLockNotFound)
	}
	l.ExpiresAt = now.Add(ttl)
	if err := tx.ExtendLease(ctx, l.ID, l.ExpiresAt); err != nil {
		return nil, err
	}
	if l.Scope == persistence.ScopeItem {
		task, err := tx.GetTask(ctx, l.TargetID)
		if err != nil {
			return nil, err
		}
		held, err := tx.HeldBy(ctx, task, ownerID)
		if err != nil {
			return nil, err
		}
		if held {
			if _, err := tx.SetLockedUntil(ctx, task.ID, task.Version, l.ExpiresAt); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

// ReclaimTx removes an expired lease. For an item lease whose task the lease
// owner still holds, the task is unassigned, unlocked and moved to
// the reclaim status with a system history entry. It reports whether a task
// was reclaimed.
func (m *Manager) ReclaimTx(ctx context.Context, tx *persistence.Tx, l *persistence.Lease) (bool, error) {
	reclaimed := false
	if l.Scope == persistence.ScopeItem {
		task, err := tx.GetTask(ctx, l.TargetID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return false, err
		}
		held, err := tx.HeldBy(ctx, task, l.OwnerID)
		if err != nil {
			return false, err
		}
		if held {
			if _, err := tx.Transition(ctx, task.ID, task.Version, persistence.Change{
				StatusCode: m.reclaimStatus,
				Note:       ReclaimNote,
				Metadata:   map[string]any{"reason": "lease_expired"},
			}); err != nil {
				return false, err
			}
			reclaimed = true
		}
	}
	if err := tx.DeleteLease(ctx, l, "expired"); err != nil {
		return false, err
	}
	return reclaimed, nil
}

// ReclaimExpired re-reads the lease in its own transaction and reclaims it if
// it is still expired. A lease renewed or released since it was listed is
// left alone and reported as (false, false).
func (m *Manager) ReclaimExpired(ctx context.Context, leaseID string) (handled, reclaimed bool, err error) {
	err = m.store.WithTx(ctx, func(tx *persistence.Tx) error {
		handled, reclaimed = false, false
		l, err := tx.LeaseByID(ctx, leaseID)
		if err != nil {
			if errors.Is(err, persistence.ErrLockNotFound) {
				return nil
			}
			return err
		}
		if !l.Expired(tx.Now()) {
			return nil
		}
		r, err := m.ReclaimTx(ctx, tx, l)
		if err != nil {
			return err
		}
		handled, reclaimed = true, r
		return nil
	})
	return handled, reclaimed, err
}
