// Package claim hands the next eligible task to an agent and manages the
// accept and release steps that follow.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/handoff"
	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/otel"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/preference"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/basket/workqueue/internal/validation"
)

const (
	defaultAttempts = 3
	defaultBase     = 25 * time.Millisecond

	claimNote   = "claimed"
	acceptNote  = "accepted"
	releaseNote = "released by assignee"
)

// errLostRace marks an attempt whose candidate changed between the unlocked
// read and the transaction.
var errLostRace = errors.New("candidate changed before claim")

// Request narrows a claim. Empty Segments means the agent's preference decides.
type Request struct {
	Segments      []string `json:"segments,omitempty"`
	PriorityFloor int      `json:"priority_floor,omitempty"`
}

// Instructions tells the agent how to work a claimed task.
type Instructions struct {
	Templates    []persistence.TemplateLink `json:"templates"`
	Checklists   []persistence.TemplateLink `json:"checklists"`
	References   []persistence.TemplateLink `json:"references"`
	Requirements []string                   `json:"requirements"`
	Handoff      *persistence.HandoffRule   `json:"handoff,omitempty"`
}

type Result struct {
	Task         *persistence.Task  `json:"task"`
	Instructions Instructions       `json:"instructions"`
	Lease        *persistence.Lease `json:"lease"`
}

type Config struct {
	Store       *persistence.Store
	Preferences *preference.Service
	Enums       *refdata.Resolver
	Leases      *lease.Manager
	Router      *handoff.Router
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer

	RetryAttempts int
	RetryBase     time.Duration
}

type Engine struct {
	store    *persistence.Store
	prefs    *preference.Service
	enums    *refdata.Resolver
	leases   *lease.Manager
	router   *handoff.Router
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	attempts int
	base     time.Duration
}

func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = defaultBase
	}
	return &Engine{
		store:    cfg.Store,
		prefs:    cfg.Preferences,
		enums:    cfg.Enums,
		leases:   cfg.Leases,
		router:   cfg.Router,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer(cfg.Tracer),
		attempts: attempts,
		base:     base,
	}
}

// Claim assigns the best eligible task to agentID. It returns
// ErrNoEligibleTask when nothing matches or every attempt lost its race.
func (e *Engine) Claim(ctx context.Context, agentID string, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "claim.task", otel.AttrAgentID.String(agentID))
	res, err := e.claim(ctx, agentID, req)

	outcome := "claimed"
	spanErr := err
	switch {
	case err == nil:
		span.SetAttributes(otel.AttrTaskID.String(res.Task.ID), otel.AttrSegment.String(res.Task.Segment))
	case errors.Is(err, persistence.ErrNoEligibleTask):
		outcome, spanErr = "empty", nil
	case errors.Is(err, persistence.ErrActiveLimit):
		outcome = "active_limit"
	case errors.Is(err, persistence.ErrAgentInactive):
		outcome = "inactive"
	default:
		outcome = "error"
	}
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	otel.EndSpan(span, spanErr)
	e.metrics.RecordClaim(ctx, outcome, time.Since(start))

	if err != nil {
		if errors.Is(err, persistence.ErrAgentInactive) {
			audit.Record(ctx, audit.DecisionDeny, "task.claim", "agent unknown or inactive", agentID)
		}
		return nil, err
	}
	audit.Record(ctx, audit.DecisionAllow, "task.claim", "task "+res.Task.ID, agentID)
	e.logger.InfoContext(ctx, "claim: task claimed",
		"agent_id", agentID, "task_id", res.Task.ID, "segment", res.Task.Segment,
		"version", res.Task.Version, "lease_id", res.Lease.ID)
	return res, nil
}

func (e *Engine) claim(ctx context.Context, agentID string, req Request) (*Result, error) {
	pref, err := e.activePreference(ctx, agentID)
	if err != nil {
		return nil, err
	}
	tiers := segmentTiers(req.Segments, pref)
	if len(tiers) == 0 {
		return nil, fmt.Errorf("claim for %s: no segments configured: %w", agentID, persistence.ErrNoEligibleTask)
	}
	pickupIDs, err := e.enums.StatusIDs(ctx, pref.PickupStatuses)
	if err != nil {
		return nil, fmt.Errorf("resolve pickup statuses: %w", err)
	}
	pickup := make(map[string]bool, len(pref.PickupStatuses))
	for _, s := range pref.PickupStatuses {
		pickup[s] = true
	}

	var lost []string
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if attempt > 1 {
			e.metrics.RecordClaimRetry(ctx)
			if err := sleep(ctx, e.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		cand, err := e.nextCandidate(ctx, tiers, pickupIDs, req.PriorityFloor, lost)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, fmt.Errorf("claim for %s: %w", agentID, persistence.ErrNoEligibleTask)
			}
			return nil, err
		}
		res, err := e.tryClaim(ctx, agentID, pref, cand, pickup)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errLostRace) || errors.Is(err, persistence.ErrVersionConflict) || errors.Is(err, persistence.ErrAlreadyLocked) {
			e.logger.DebugContext(ctx, "claim: lost race", "agent_id", agentID, "task_id", cand.ID, "attempt", attempt)
			lost = append(lost, cand.ID)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("claim for %s: %d attempts lost: %w", agentID, e.attempts, persistence.ErrNoEligibleTask)
}

// activePreference resolves the agent's preference, mapping an unknown or
// inactive agent to ErrAgentInactive.
func (e *Engine) activePreference(ctx context.Context, agentID string) (*preference.Effective, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("claim: missing agent id: %w", persistence.ErrAgentInactive)
	}
	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("agent %s: %w", agentID, persistence.ErrAgentInactive)
		}
		return nil, err
	}
	if !a.Active {
		return nil, fmt.Errorf("agent %s: %w", agentID, persistence.ErrAgentInactive)
	}
	return e.prefs.Get(ctx, agentID)
}

// segmentTiers returns the segment lists to search, in order. An explicit
// override replaces the preference entirely.
func segmentTiers(override []string, pref *preference.Effective) [][]string {
	if segs := compact(override); len(segs) > 0 {
		return [][]string{segs}
	}
	var tiers [][]string
	if segs := compact(pref.PrimarySegments); len(segs) > 0 {
		tiers = append(tiers, segs)
	}
	if segs := compact(pref.FallbackSegments); len(segs) > 0 {
		tiers = append(tiers, segs)
	}
	return tiers
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) nextCandidate(ctx context.Context, tiers [][]string, statusIDs []int64, floor int, exclude []string) (*persistence.Task, error) {
	for _, segs := range tiers {
		t, err := e.store.NextCandidate(ctx, persistence.CandidateQuery{
			Segments:       segs,
			StatusValueIDs: statusIDs,
			PriorityFloor:  floor,
			ExcludeIDs:     exclude,
		})
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("next candidate: %w", persistence.ErrNotFound)
}

func (e *Engine) tryClaim(ctx context.Context, agentID string, pref *preference.Effective, cand *persistence.Task, pickup map[string]bool) (*Result, error) {
	ttl := time.Duration(pref.MaxInProgressMinutes) * time.Minute
	var (
		task *persistence.Task
		l    *persistence.Lease
	)
	err := e.store.WithTx(ctx, func(tx *persistence.Tx) error {
		task, l = nil, nil
		if _, err := tx.RequireActiveAgent(ctx, agentID); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("agent %s: %w", agentID, persistence.ErrAgentInactive)
			}
			return err
		}
		if pref.MaxActiveTasks > 0 {
			n, err := tx.CountActive(ctx, agentID, pref.ActiveStatuses)
			if err != nil {
				return err
			}
			if n >= pref.MaxActiveTasks {
				return fmt.Errorf("agent %s holds %d active tasks: %w", agentID, n, persistence.ErrActiveLimit)
			}
		}
		cur, err := tx.GetTask(ctx, cand.ID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return errLostRace
			}
			return err
		}
		if cur.AssignedTo != "" || !pickup[cur.StatusCode] || cur.Version != cand.Version {
			return errLostRace
		}
		until := tx.Now().Add(ttl)
		task, err = tx.Transition(ctx, cur.ID, cur.Version, persistence.Change{
			StatusCode:  pref.AcceptStatus,
			AssignedTo:  agentID,
			LockedUntil: &until,
			Note:        claimNote,
			ActorID:     agentID,
			Metadata:    map[string]any{"reason": "claim", "from_status": cur.StatusCode},
		})
		if err != nil {
			return err
		}
		l, err = e.leases.AcquireTx(ctx, tx, persistence.ScopeItem, task.ID, agentID, ttl)
		return err
	})
	if err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			e.metrics.RecordVersionConflict(ctx, "claim")
		}
		return nil, err
	}
	instr, err := e.instructions(ctx, task)
	if err != nil {
		return nil, err
	}
	return &Result{Task: task, Instructions: instr, Lease: l}, nil
}

// Instructions assembles the templates, requirements and completion handoff
// rule for a task.
func (e *Engine) Instructions(ctx context.Context, taskID string) (*Instructions, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	instr, err := e.instructions(ctx, task)
	if err != nil {
		return nil, err
	}
	return &instr, nil
}

func (e *Engine) instructions(ctx context.Context, task *persistence.Task) (Instructions, error) {
	templates, err := e.store.ListTemplates(ctx, task.ID)
	if err != nil {
		return Instructions{}, err
	}
	instr := Instructions{
		Templates:    []persistence.TemplateLink{},
		Checklists:   []persistence.TemplateLink{},
		References:   []persistence.TemplateLink{},
		Requirements: validation.Requirements(task.Segment, templates),
	}
	for _, t := range templates {
		switch t.Type {
		case persistence.TemplatePrimary:
			instr.Templates = append(instr.Templates, t)
		case persistence.TemplateChecklist:
			instr.Checklists = append(instr.Checklists, t)
		default:
			instr.References = append(instr.References, t)
		}
	}
	if e.router != nil {
		rule, ok, err := e.router.ResolveNext(ctx, task.Segment, persistence.StatusCompleted)
		if err != nil {
			return Instructions{}, err
		}
		if ok {
			instr.Handoff = rule
		}
	}
	return instr, nil
}

// Accept confirms the assignee is working the task. It moves the task to
// status (the preference's accept status when empty) and renews both the
// task lock and the item lease. A task in a terminal status cannot be
// accepted, and accepting never moves a task into one.
func (e *Engine) Accept(ctx context.Context, agentID, taskID string, version int64, status, note string) (*Result, error) {
	pref, err := e.activePreference(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if status == "" {
		status = pref.AcceptStatus
	}
	target, err := e.enums.Status(ctx, status)
	if err != nil {
		return nil, validation.Errorf(http.StatusBadRequest, "claim.invalid_status", "unknown status %q", status).
			WithDetail("status", "must be a task_status code")
	}
	if target.Terminal {
		return nil, validation.Errorf(http.StatusBadRequest, "claim.invalid_status",
			"status %q ends the task; submit it instead", status).
			WithDetail("status", "must not be a terminal status")
	}
	if note == "" {
		note = acceptNote
	}
	ttl := time.Duration(pref.MaxInProgressMinutes) * time.Minute

	var (
		task *persistence.Task
		l    *persistence.Lease
	)
	err = e.store.WithTx(ctx, func(tx *persistence.Tx) error {
		task, l = nil, nil
		cur, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if cur.AssignedTo != agentID {
			return fmt.Errorf("accept %s: assigned to %q: %w", taskID, cur.AssignedTo, persistence.ErrNotOwner)
		}
		if cur.Version != version {
			return fmt.Errorf("accept %s (have %d, stored %d): %w", taskID, version, cur.Version, persistence.ErrVersionConflict)
		}
		done, err := tx.Terminal(ctx, cur.StatusCode)
		if err != nil {
			return err
		}
		if done {
			return validation.Errorf(http.StatusConflict, "claim.invalid_state",
				"task %s is already %s", taskID, cur.StatusCode)
		}
		until := tx.Now().Add(ttl)
		existing, err := tx.LeaseForTarget(ctx, persistence.ScopeItem, taskID)
		switch {
		case err == nil && existing.OwnerID != agentID && !existing.Expired(tx.Now()):
			return fmt.Errorf("accept %s: lease held by %s: %w", taskID, existing.OwnerID, persistence.ErrAlreadyLocked)
		case err == nil && existing.OwnerID == agentID:
			if err := tx.ExtendLease(ctx, existing.ID, until); err != nil {
				return err
			}
			existing.ExpiresAt = until
			l = existing
		case err == nil:
			if err := tx.DeleteLease(ctx, existing, "expired"); err != nil {
				return err
			}
			fallthrough
		case errors.Is(err, persistence.ErrLockNotFound):
			l, err = tx.InsertLease(ctx, persistence.ScopeItem, taskID, agentID, ttl)
			if err != nil {
				return err
			}
		default:
			return err
		}
		task, err = tx.Transition(ctx, taskID, version, persistence.Change{
			StatusCode:  status,
			AssignedTo:  agentID,
			LockedUntil: &until,
			Note:        note,
			ActorID:     agentID,
			Metadata:    map[string]any{"reason": "accept", "lease_id": l.ID},
		})
		return err
	})
	if err != nil {
		e.recordDenied(ctx, "task.accept", agentID, err)
		return nil, err
	}
	audit.Record(ctx, audit.DecisionAllow, "task.accept", "task "+taskID, agentID)
	e.logger.InfoContext(ctx, "claim: task accepted", "agent_id", agentID, "task_id", taskID, "status", status, "version", task.Version)
	return &Result{Task: task, Lease: l}, nil
}

// Release hands a claimed task back to the pool. The caller must present the
// item lease token it was granted. A second release yields ErrLockNotFound.
func (e *Engine) Release(ctx context.Context, agentID, taskID string, version int64, token, note string) (*persistence.Task, error) {
	pref, err := e.activePreference(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if note == "" {
		note = releaseNote
	}
	var task *persistence.Task
	err = e.store.WithTx(ctx, func(tx *persistence.Tx) error {
		task = nil
		l, err := tx.LeaseByToken(ctx, token)
		if err != nil {
			return err
		}
		if l.Scope != persistence.ScopeItem || l.TargetID != taskID {
			return fmt.Errorf("release %s: token belongs to %s %s: %w", taskID, l.Scope, l.TargetID, persistence.ErrLockNotFound)
		}
		cur, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return fmt.Errorf("release %s (have %d, stored %d): %w", taskID, version, cur.Version, persistence.ErrVersionConflict)
		}
		task, err = e.leases.ReleaseTx(ctx, tx, token, agentID, pref.ReturnStatus, note)
		if err != nil {
			return err
		}
		if task == nil {
			task = cur
		}
		return nil
	})
	if err != nil {
		e.recordDenied(ctx, "task.release", agentID, err)
		return nil, err
	}
	audit.Record(ctx, audit.DecisionAllow, "task.release", "task "+taskID, agentID)
	e.logger.InfoContext(ctx, "claim: task released", "agent_id", agentID, "task_id", taskID, "status", task.StatusCode)
	return task, nil
}

func (e *Engine) recordDenied(ctx context.Context, action, agentID string, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotOwner):
		audit.Record(ctx, audit.DecisionDeny, action, "caller is not the assignee", agentID)
	case errors.Is(err, persistence.ErrVersionConflict):
		e.metrics.RecordVersionConflict(ctx, strings.TrimPrefix(action, "task."))
	}
}

// backoff returns base * 2^(retry-1) with ±25% jitter.
func (e *Engine) backoff(retry int) time.Duration {
	d := e.base << uint(retry-1)
	jitter := time.Duration(rand.Int64N(int64(d/2) + 1))
	return d - d/4 + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
