// Package submission records an agent's finished work on a task, validates it
// and routes the task onward through the handoff rules.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/workqueue/internal/artifact"
	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/bus"
	"github.com/basket/workqueue/internal/handoff"
	"github.com/basket/workqueue/internal/otel"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/basket/workqueue/internal/validation"
)

// Request is a submission. A nil Version means "the version just read".
type Request struct {
	TaskID   string            `json:"-"`
	Version  *int64            `json:"version,omitempty"`
	Status   string            `json:"status,omitempty"`
	Notes    string            `json:"notes,omitempty"`
	Links    []validation.Link `json:"links,omitempty"`
	Files    []artifact.Upload `json:"-"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

type Result struct {
	TaskID       string   `json:"task_id"`
	Status       string   `json:"status"`
	Version      int64    `json:"version"`
	NextTaskID   string   `json:"next_task_id,omitempty"`
	NextSegment  string   `json:"next_segment,omitempty"`
	Requirements []string `json:"requirements"`
}

type Config struct {
	Store     *persistence.Store
	Enums     *refdata.Resolver
	Registry  *validation.Registry
	Router    *handoff.Router
	Artifacts *artifact.Store
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
}

type Service struct {
	store     *persistence.Store
	enums     *refdata.Resolver
	registry  *validation.Registry
	router    *handoff.Router
	artifacts *artifact.Store
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = validation.NewRegistry(validation.ArtifactValidator{})
	}
	return &Service{
		store:     cfg.Store,
		enums:     cfg.Enums,
		registry:  registry,
		router:    cfg.Router,
		artifacts: cfg.Artifacts,
		logger:    logger,
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer(cfg.Tracer),
	}
}

// HandoffRef is the external ref of the follow-on task created when src is
// handed off to next.
func HandoffRef(src, next string) string {
	return src + "::" + next
}

// Submit validates req and, only if it passes, moves the task to its new
// status, records the artifacts, drops the item lease and creates the
// follow-on task the handoff rules ask for. All writes share one transaction.
// The caller must hold a live item lease on a task that has not finished.
func (s *Service) Submit(ctx context.Context, agentID string, req Request) (*Result, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "submission.submit",
		otel.AttrAgentID.String(agentID), otel.AttrTaskID.String(req.TaskID))
	res, err := s.submit(ctx, agentID, req)
	if ve, ok := validation.As(err); ok {
		span.SetAttributes(otel.AttrErrorCode.String(ve.Code))
	}
	otel.EndSpan(span, err)
	return res, err
}

func (s *Service) submit(ctx context.Context, agentID string, req Request) (*Result, error) {
	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	templates, err := s.store.ListTemplates(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	reqs := validation.Requirements(task.Segment, templates)

	if agentID == "" || task.AssignedTo != agentID {
		audit.Record(ctx, audit.DecisionDeny, "task.submit", "caller is not the assignee", agentID)
		return nil, s.reject(ctx, validation.New(http.StatusForbidden, "submission.not_owner",
			"only the assigned agent may submit this task").WithRequirements(reqs))
	}
	current, err := s.enums.Status(ctx, task.StatusCode)
	if err != nil {
		return nil, err
	}
	if current.Terminal {
		return nil, s.reject(ctx, invalidState(task).WithRequirements(reqs))
	}
	status := req.Status
	if status == "" {
		status = persistence.StatusCompleted
	}
	target, err := s.enums.Status(ctx, status)
	if err != nil {
		return nil, s.reject(ctx, validation.Errorf(http.StatusBadRequest, "submission.invalid_status",
			"unknown status %q", status).WithDetail("status", "must be a task_status code").WithRequirements(reqs))
	}
	// A terminal status keeps the assignee on record. Any other outcome puts
	// the task back in the pool, since nothing would ever release it.
	assignee := agentID
	if !target.Terminal {
		assignee = ""
	}
	version := task.Version
	if req.Version != nil {
		version = *req.Version
	}

	files := make([]validation.FileInfo, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, validation.FileInfo{Name: f.Name, MediaType: f.MediaType, Size: int64(len(f.Data))})
	}
	sc := &validation.Context{
		Task:         task,
		AgentID:      agentID,
		Status:       status,
		Notes:        req.Notes,
		Links:        req.Links,
		Files:        files,
		Metadata:     req.Metadata,
		Requirements: reqs,
	}
	if err := s.registry.Validate(ctx, sc); err != nil {
		return nil, s.reject(ctx, err)
	}

	var rule *persistence.HandoffRule
	if s.router != nil {
		r, ok, err := s.router.ResolveNext(ctx, task.Segment, status)
		if err != nil {
			return nil, err
		}
		if ok {
			rule = r
		}
	}

	var stored []artifact.Stored
	if len(req.Files) > 0 {
		if s.artifacts == nil {
			return nil, fmt.Errorf("submit %s: file uploads are not configured", task.ID)
		}
		stored, err = s.artifacts.PutAll(task.ID, req.Files)
		if err != nil {
			return nil, err
		}
	}

	var (
		updated *persistence.Task
		next    *persistence.Task
		created bool
	)
	err = s.store.WithTx(ctx, func(tx *persistence.Tx) error {
		updated, next, created = nil, nil, false
		cur, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if cur.AssignedTo != agentID {
			return fmt.Errorf("submit %s: assigned to %q: %w", task.ID, cur.AssignedTo, persistence.ErrNotOwner)
		}
		held, err := tx.HeldBy(ctx, cur, agentID)
		if err != nil {
			return err
		}
		if !held {
			return invalidState(cur).WithRequirements(reqs)
		}
		l, err := tx.LeaseForTarget(ctx, persistence.ScopeItem, task.ID)
		switch {
		case errors.Is(err, persistence.ErrLockNotFound):
			return noLease(task.ID, "no item lease is held").WithRequirements(reqs)
		case err != nil:
			return err
		case l.OwnerID != agentID || l.Expired(tx.Now()):
			return noLease(task.ID, "the item lease has expired").WithRequirements(reqs)
		}
		updated, err = tx.Transition(ctx, task.ID, version, persistence.Change{
			StatusCode: status,
			AssignedTo: assignee,
			Note:       req.Notes,
			ActorID:    agentID,
			Metadata: map[string]any{
				"reason": "submit",
				"links":  len(req.Links),
				"files":  len(stored),
			},
		})
		if err != nil {
			return err
		}
		for _, l := range req.Links {
			if _, err := tx.InsertArtifact(ctx, persistence.Artifact{
				ItemID: task.ID, Kind: persistence.ArtifactLink, Title: l.Title, URL: l.URL, CreatedBy: agentID,
			}); err != nil {
				return err
			}
		}
		for _, f := range stored {
			if _, err := tx.InsertArtifact(ctx, persistence.Artifact{
				ItemID: task.ID, Kind: persistence.ArtifactFile, Title: f.Name, StoragePath: f.Path,
				MediaType: f.MediaType, SizeBytes: f.Size, CreatedBy: agentID,
			}); err != nil {
				return err
			}
		}
		if err := tx.DeleteLease(ctx, l, "released"); err != nil {
			return err
		}
		if rule != nil {
			next, created, err = s.followOn(ctx, tx, updated, agentID, rule)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if len(stored) > 0 {
			s.artifacts.RemoveAll(stored)
		}
		if errors.Is(err, persistence.ErrVersionConflict) {
			s.metrics.RecordVersionConflict(ctx, "submit")
		}
		if errors.Is(err, persistence.ErrNotOwner) {
			audit.Record(ctx, audit.DecisionDeny, "task.submit", "assignment changed during submit", agentID)
		}
		return nil, s.reject(ctx, err)
	}

	s.metrics.RecordSubmission(ctx, task.Segment, status)
	audit.Record(ctx, audit.DecisionAllow, "task.submit", fmt.Sprintf("task %s -> %s", task.ID, status), agentID)
	res := &Result{
		TaskID:       updated.ID,
		Status:       updated.StatusCode,
		Version:      updated.Version,
		Requirements: reqs,
	}
	if next != nil {
		res.NextTaskID = next.ID
		res.NextSegment = next.Segment
		if created {
			s.metrics.RecordHandoff(ctx, task.Segment, next.Segment)
		}
	}
	s.logger.InfoContext(ctx, "submission: task submitted",
		"agent_id", agentID, "task_id", task.ID, "status", status, "version", updated.Version,
		"next_task_id", res.NextTaskID, "links", len(req.Links), "files", len(stored))
	return res, nil
}

// followOn returns the handoff task for src, creating it on first use. It is
// keyed by external ref so a repeated completion never duplicates work.
func (s *Service) followOn(ctx context.Context, tx *persistence.Tx, src *persistence.Task, agentID string, rule *persistence.HandoffRule) (*persistence.Task, bool, error) {
	ref := HandoffRef(src.ExternalRef, rule.NextSegment)
	existing, err := tx.GetTaskByExternalRef(ctx, ref)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, false, err
	}
	q, err := tx.ResolveQueue(ctx, rule.NextSegment, persistence.StatusQueued)
	if err != nil {
		return nil, false, err
	}
	next, err := tx.CreateTask(ctx, persistence.NewTask{
		QueueID:     q.ID,
		ExternalRef: ref,
		Title:       src.Title,
		Priority:    src.Priority,
		Payload:     src.Payload,
		CreatedBy:   agentID,
		DueAt:       src.DueAt,
		StatusCode:  persistence.StatusQueued,
		Note:        "Handoff from " + src.Segment,
		Metadata: map[string]any{
			"reason":         "handoff",
			"source_task_id": src.ID,
			"rule_id":        rule.ID,
		},
	})
	if err != nil {
		return nil, false, err
	}
	for _, code := range rule.TemplateCodes {
		if err := tx.AttachTemplate(ctx, next.ID, persistence.TemplateLink{
			Code: code, Type: persistence.TemplateReference,
		}); err != nil {
			return nil, false, err
		}
	}
	tx.Emit(bus.TopicTaskHandedOff, bus.TaskHandedOffEvent{
		FromTaskID:  src.ID,
		FromSegment: src.Segment,
		ToTaskID:    next.ID,
		ToSegment:   next.Segment,
	})
	return next, true, nil
}

func invalidState(t *persistence.Task) *validation.ValidationError {
	return validation.Errorf(http.StatusConflict, "submission.invalid_state",
		"task %s is already %s", t.ID, t.StatusCode)
}

func noLease(taskID, why string) *validation.ValidationError {
	return validation.Errorf(http.StatusConflict, "submission.lease_expired",
		"task %s: %s; accept the task again before submitting", taskID, why)
}

func (s *Service) reject(ctx context.Context, err error) error {
	if ve, ok := validation.As(err); ok {
		s.metrics.RecordValidationFailure(ctx, "submission", ve.Code)
		s.logger.InfoContext(ctx, "submission: rejected", "code", ve.Code, "message", ve.Message)
	}
	return err
}
