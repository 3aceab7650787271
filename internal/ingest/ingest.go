// Package ingest creates tasks from external sources.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/otel"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/basket/workqueue/internal/validation"
)

const (
	minPriority = 0
	maxPriority = 100

	contractRef = "ingest-contract"
)

type TemplateRef struct {
	Code    string `json:"code"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path,omitempty"`
}

type Templates struct {
	Primary    []string      `json:"primary,omitempty"`
	Checklists []string      `json:"checklists,omitempty"`
	References []TemplateRef `json:"references,omitempty"`
}

type HandoffCondition struct {
	Status        string `json:"status"`
	TargetSegment string `json:"target_segment"`
}

// HandoffPlan is the route the source expects the task to take. It is stored
// with the task and checked against the allowed segments, but the live
// handoff rules still decide routing.
type HandoffPlan struct {
	NextSegment string             `json:"next_segment,omitempty"`
	Conditions  []HandoffCondition `json:"conditions,omitempty"`
}

type Request struct {
	SourceID      string          `json:"source_id"`
	Segment       string          `json:"segment"`
	InitialStatus string          `json:"initial_status,omitempty"`
	Priority      int             `json:"priority"`
	Title         string          `json:"title"`
	Summary       string          `json:"summary,omitempty"`
	KnowledgeRefs []string        `json:"knowledge_refs"`
	Templates     Templates       `json:"templates"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	HandoffPlan   HandoffPlan     `json:"handoff_plan"`
	DueAt         *time.Time      `json:"due_at,omitempty"`
}

type Result struct {
	TaskID    string    `json:"task_id"`
	QueueID   string    `json:"queue_id"`
	Segment   string    `json:"segment"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Service struct {
	store   *persistence.Store
	enums   *refdata.Resolver
	cfg     config.Config
	roots   []string
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func NewService(store *persistence.Store, enums *refdata.Resolver, cfg config.Config, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		enums:   enums,
		cfg:     cfg,
		roots:   cfg.KnowledgeRootPaths(),
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer(tracer),
	}
}

// Ingest checks req and creates its task at version 0. actorID, when set,
// must be an active agent and is recorded as the creator.
func (s *Service) Ingest(ctx context.Context, actorID string, req Request) (*Result, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "ingest.task", otel.AttrSegment.String(req.Segment))
	res, err := s.ingest(ctx, actorID, req)
	if ve, ok := validation.As(err); ok {
		span.SetAttributes(otel.AttrErrorCode.String(ve.Code))
		s.metrics.RecordValidationFailure(ctx, "ingest", ve.Code)
		s.logger.InfoContext(ctx, "ingest: rejected", "source_id", req.SourceID, "code", ve.Code)
	}
	otel.EndSpan(span, err)
	return res, err
}

func (s *Service) ingest(ctx context.Context, actorID string, req Request) (*Result, error) {
	req.SourceID = strings.TrimSpace(req.SourceID)
	req.Segment = normalize(req.Segment)
	req.InitialStatus = normalize(req.InitialStatus)
	if req.InitialStatus == "" {
		req.InitialStatus = persistence.StatusQueued
	}

	if req.SourceID == "" {
		return nil, validation.New(http.StatusBadRequest, "ingest.validation.source_id", "source_id is required").
			WithDetail("source_id", "must not be empty").WithRequirements([]string{contractRef})
	}
	if _, err := s.store.GetTaskByExternalRef(ctx, req.SourceID); err == nil {
		return nil, duplicate(req.SourceID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	if !s.cfg.SegmentAllowed(req.Segment) {
		return nil, validation.Errorf(http.StatusBadRequest, "ingest.validation.invalid_segment",
			"segment %q is not registered", req.Segment).
			WithDetail("segment", "must be one of the allowed segments").
			WithRequirements([]string{"agent-brief:" + req.Segment})
	}
	if cs := s.cfg.Segments.CreationSegment; cs != "" && req.Segment != cs {
		return nil, validation.Errorf(http.StatusForbidden, "ingest.forbidden.segment",
			"tasks may only be ingested into %s", cs).
			WithDetail("segment", "use "+cs).WithRequirements([]string{"agent-brief:" + cs})
	}
	if !s.enums.KnownStatus(ctx, req.InitialStatus) {
		return nil, validation.Errorf(http.StatusBadRequest, "ingest.validation.invalid_status",
			"unknown task status %q", req.InitialStatus).
			WithDetail("initial_status", "must be a task_status code").
			WithRequirements([]string{"enum:task_status", contractRef})
	}
	if req.Priority < minPriority || req.Priority > maxPriority {
		return nil, validation.Errorf(http.StatusBadRequest, "ingest.validation.priority",
			"priority must be within %d..%d", minPriority, maxPriority).WithDetail("priority", "out of range")
	}
	if err := s.checkKnowledgeRefs(req.KnowledgeRefs); err != nil {
		return nil, err
	}
	if err := s.checkHandoffPlan(ctx, req.HandoffPlan); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode ingest payload: %w", err)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = req.SourceID
	}

	var (
		task  *persistence.Task
		queue *persistence.Queue
	)
	err = s.store.WithTx(ctx, func(tx *persistence.Tx) error {
		task, queue = nil, nil
		if actorID != "" {
			if _, err := tx.RequireActiveAgent(ctx, actorID); err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					return fmt.Errorf("ingest actor %s: %w", actorID, persistence.ErrAgentInactive)
				}
				return err
			}
		}
		q, err := tx.ResolveQueue(ctx, req.Segment, req.InitialStatus)
		if err != nil {
			return err
		}
		queue = q
		task, err = tx.CreateTask(ctx, persistence.NewTask{
			QueueID:     q.ID,
			ExternalRef: req.SourceID,
			Title:       title,
			Priority:    req.Priority,
			Payload:     payload,
			CreatedBy:   actorID,
			DueAt:       req.DueAt,
			StatusCode:  req.InitialStatus,
			Note:        "Task ingested from " + req.SourceID,
			Metadata: map[string]any{
				"reason":       "ingest",
				"summary":      req.Summary,
				"handoff_plan": req.HandoffPlan,
				"templates":    req.Templates,
			},
		})
		if err != nil {
			return err
		}
		return attachTemplates(ctx, tx, task.ID, req.Templates)
	})
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateRef) {
			return nil, duplicate(req.SourceID)
		}
		return nil, err
	}

	s.metrics.RecordIngest(ctx, task.Segment)
	audit.Record(ctx, audit.DecisionAllow, "task.ingest", "source "+req.SourceID, actorID)
	s.logger.InfoContext(ctx, "ingest: task created",
		"task_id", task.ID, "source_id", req.SourceID, "segment", task.Segment, "status", task.StatusCode)
	return &Result{
		TaskID:    task.ID,
		QueueID:   queue.ID,
		Segment:   task.Segment,
		Status:    task.StatusCode,
		Timestamp: task.CreatedAt,
	}, nil
}

func attachTemplates(ctx context.Context, tx *persistence.Tx, taskID string, t Templates) error {
	for _, code := range t.Primary {
		if err := tx.AttachTemplate(ctx, taskID, persistence.TemplateLink{Code: code, Type: persistence.TemplatePrimary}); err != nil {
			return err
		}
	}
	for _, code := range t.Checklists {
		if err := tx.AttachTemplate(ctx, taskID, persistence.TemplateLink{Code: code, Type: persistence.TemplateChecklist}); err != nil {
			return err
		}
	}
	for _, ref := range t.References {
		if err := tx.AttachTemplate(ctx, taskID, persistence.TemplateLink{
			Code: ref.Code, Type: persistence.TemplateReference, Version: ref.Version, SourcePath: ref.Path,
		}); err != nil {
			return err
		}
	}
	return nil
}

func duplicate(sourceID string) error {
	return validation.Errorf(http.StatusConflict, "ingest.conflict.source_id",
		"a task with source_id %q already exists", sourceID).
		WithDetail("source_id", "must be unique").WithRequirements([]string{contractRef})
}

func (s *Service) checkKnowledgeRefs(refs []string) error {
	if len(refs) == 0 {
		return validation.New(http.StatusBadRequest, "ingest.validation.knowledge_refs", "knowledge_refs must not be empty").
			WithDetail("knowledge_refs", "add at least one reference").WithRequirements([]string{contractRef})
	}
	var ve *validation.ValidationError
	for i, ref := range refs {
		if msg := s.refProblem(strings.TrimSpace(ref)); msg != "" {
			if ve == nil {
				ve = validation.New(http.StatusBadRequest, "ingest.validation.knowledge_ref",
					"some knowledge references cannot be resolved").WithRequirements([]string{"policy:workqueue"})
			}
			ve.WithDetail(fmt.Sprintf("knowledge_refs[%d]", i), msg)
		}
	}
	if ve != nil {
		return ve
	}
	return nil
}

// refProblem returns why ref is unusable, or "" when it is fine.
func (s *Service) refProblem(ref string) string {
	switch {
	case ref == "":
		return "empty reference"
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		if !validation.IsHTTPURL(ref) {
			return "malformed url"
		}
		return ""
	case strings.HasPrefix(ref, "/api/"):
		return ""
	case filepath.IsAbs(ref):
		return "only http(s), /api/ or knowledge-root paths are allowed"
	}
	if len(s.roots) == 0 {
		return "no knowledge roots configured"
	}
	for _, root := range s.roots {
		for _, cand := range candidates(root, ref) {
			if _, err := os.Stat(cand); err == nil {
				return ""
			}
		}
	}
	return "file not found under any knowledge root"
}

// candidates resolves ref under root, also trying it without a leading
// element naming the root itself ("knowledge/x.md" under ".../knowledge").
// Paths escaping root are dropped.
func candidates(root, ref string) []string {
	rel := filepath.Clean(filepath.FromSlash(ref))
	tries := []string{rel}
	base := filepath.Base(root)
	if first, rest, ok := strings.Cut(rel, string(filepath.Separator)); ok && first == base {
		tries = append(tries, rest)
	}
	var out []string
	for _, r := range tries {
		p := filepath.Join(root, r)
		within, err := filepath.Rel(root, p)
		if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Service) checkHandoffPlan(ctx context.Context, plan HandoffPlan) error {
	var ve *validation.ValidationError
	add := func(field, msg string) {
		if ve == nil {
			ve = validation.New(http.StatusBadRequest, "ingest.validation.handoff_plan", "handoff plan names unknown segments or statuses")
		}
		ve.WithDetail(field, msg)
	}
	if next := normalize(plan.NextSegment); next != "" && !s.cfg.SegmentAllowed(next) {
		add("handoff_plan.next_segment", fmt.Sprintf("segment %q is not allowed", next))
	}
	for i, c := range plan.Conditions {
		if !s.cfg.SegmentAllowed(normalize(c.TargetSegment)) {
			add(fmt.Sprintf("handoff_plan.conditions[%d].target_segment", i), fmt.Sprintf("segment %q is not allowed", c.TargetSegment))
		}
		if !s.enums.KnownStatus(ctx, normalize(c.Status)) {
			add(fmt.Sprintf("handoff_plan.conditions[%d].status", i), fmt.Sprintf("unknown status %q", c.Status))
		}
	}
	if ve != nil {
		return ve
	}
	return nil
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
