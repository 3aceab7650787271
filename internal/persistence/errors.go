package persistence

import "errors"

// Domain errors returned by the store and the services built on it. Callers
// match them with errors.Is; wrapped context is added with %w.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyLocked   = errors.New("already locked")
	ErrNotOwner        = errors.New("not lease owner")
	ErrLockNotFound    = errors.New("lock not found")
	ErrContention      = errors.New("store contention")
	ErrNoEligibleTask  = errors.New("no eligible task")
	ErrAgentInactive   = errors.New("agent inactive")
	ErrActiveLimit     = errors.New("active task limit reached")
	ErrInvalidState    = errors.New("invalid task state")
)
